package testutil

import (
	"github.com/SmartCGMS/core-sub005/config"
)

// ChainBuilder assembles a config.Config for tests.
type ChainBuilder struct {
	cfg config.Config
}

// NewChain starts a chain with version 1.0.0 and a small pipe capacity.
func NewChain() *ChainBuilder {
	return &ChainBuilder{cfg: config.Config{Version: "1.0.0", Capacity: 8}}
}

// Capacity sets the pipe capacity.
func (b *ChainBuilder) Capacity(n int) *ChainBuilder {
	b.cfg.Capacity = n
	return b
}

// Stage appends a threaded filter.
func (b *ChainBuilder) Stage(filterRef string, params map[string]any) *ChainBuilder {
	b.cfg.Stages = append(b.cfg.Stages, config.Stage{Filter: filterRef, Parameters: params})
	return b
}

// Group appends a synchronous group of the given members.
func (b *ChainBuilder) Group(members ...config.Stage) *ChainBuilder {
	b.cfg.Stages = append(b.cfg.Stages, config.Stage{Synchronous: members})
	return b
}

// Member is shorthand for a group member.
func Member(filterRef string, params map[string]any) config.Stage {
	return config.Stage{Filter: filterRef, Parameters: params}
}

// Build applies defaults and returns the config. It does not validate.
func (b *ChainBuilder) Build() *config.Config {
	cfg := b.cfg.Clone()
	cfg.ApplyDefaults()
	return cfg
}
