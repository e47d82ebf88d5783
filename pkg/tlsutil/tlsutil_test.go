package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/testutil"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = ParseVersion("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = ParseVersion("1.0")
	assert.Error(t, err)
}

func TestLoadServerTLSConfig(t *testing.T) {
	pki := testutil.NewTestPKI(t)
	certFile, keyFile := pki.Issue(t, "server")

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: ServerConfig{}, wantNil: true},
		{name: "valid cert", cfg: ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"}},
		{name: "key without cert", cfg: ServerConfig{KeyFile: keyFile}, wantErr: true},
		{name: "missing cert file", cfg: ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: keyFile}, wantErr: true},
		{name: "bad version", cfg: ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.1"}, wantErr: true},
		{name: "missing client CA", cfg: ServerConfig{CertFile: certFile, KeyFile: keyFile, ClientCAFile: "/nonexistent/ca.pem"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Len(t, got.Certificates, 1)
			assert.Equal(t, uint16(tls.VersionTLS13), got.MinVersion)
			assert.Equal(t, tls.NoClientCert, got.ClientAuth)
		})
	}
}

func TestLoadClientTLSConfig(t *testing.T) {
	pki := testutil.NewTestPKI(t)

	got, err := LoadClientTLSConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, got, "disabled")

	got, err = LoadClientTLSConfig(ClientConfig{Enabled: true, CAFiles: []string{pki.CAFile}, ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.RootCAs)
	assert.Equal(t, "localhost", got.ServerName)
	assert.False(t, got.InsecureSkipVerify)
	assert.Empty(t, got.Certificates)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))
	_, err = LoadClientTLSConfig(ClientConfig{Enabled: true, CAFiles: []string{garbage}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = LoadClientTLSConfig(ClientConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	assert.Error(t, err)
}

// handshake dials a TLS listener built from server and reports the
// server-side handshake result.
func handshake(t *testing.T, server *tls.Config, client *tls.Config) error {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", server)
	require.NoError(t, err)
	defer ln.Close()

	result := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer conn.Close()
		err = conn.(*tls.Conn).Handshake()
		if err == nil {
			_, err = conn.Write([]byte("ok"))
		}
		result <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), client)
	if err == nil {
		buf := make([]byte, 2)
		_, err = io.ReadFull(conn, buf)
		_ = conn.Close()
	}
	serverErr := <-result
	if serverErr != nil {
		return serverErr
	}
	return err
}

func TestMutualTLS(t *testing.T) {
	pki := testutil.NewTestPKI(t)
	serverCert, serverKey := pki.Issue(t, "server")
	peerCert, peerKey := pki.Issue(t, "peer")
	strangerCert, strangerKey := pki.Issue(t, "stranger")

	server, err := LoadServerTLSConfig(ServerConfig{
		CertFile:     serverCert,
		KeyFile:      serverKey,
		ClientCAFile: pki.CAFile,
		AllowedCNs:   []string{"peer"},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, server.ClientAuth)

	client := func(cert, key string) *tls.Config {
		cfg, err := LoadClientTLSConfig(ClientConfig{
			Enabled:    true,
			CAFiles:    []string{pki.CAFile},
			ServerName: "localhost",
			CertFile:   cert,
			KeyFile:    key,
		})
		require.NoError(t, err)
		return cfg
	}

	assert.NoError(t, handshake(t, server, client(peerCert, peerKey)))
	assert.Error(t, handshake(t, server, client(strangerCert, strangerKey)), "CN not allowed")
	assert.Error(t, handshake(t, server, client("", "")), "no client certificate")
}

func TestVerifyAllowedClientCN(t *testing.T) {
	assert.Error(t, verifyAllowedClientCN(nil, []string{"peer"}))

	chains := [][]*x509.Certificate{{{}}}
	chains[0][0].Subject.CommonName = "peer"
	assert.NoError(t, verifyAllowedClientCN(chains, []string{"peer"}))
	assert.Error(t, verifyAllowedClientCN(chains, []string{"other"}))
}
