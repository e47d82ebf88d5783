//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "scgms.test", func(_ context.Context, data []byte) {
		received <- data
	}))
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, tc.Client.Publish(ctx, "scgms.test", []byte("level")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("level"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.True(t, tc.Client.IsHealthy())
}
