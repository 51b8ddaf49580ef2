// Package providers wires the built-in memory backends into a registry.
// Keeping registration out of the memory package avoids an import cycle
// between the router and the provider implementations.
package providers

import (
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/memory/local"
	"github.com/talk2me/talk2me/internal/memory/mem0"
	"github.com/talk2me/talk2me/internal/memory/zep"
)

// NewRegistry returns a registry populated with the built-in provider set.
func NewRegistry() *memory.Registry {
	r := memory.NewRegistry()
	r.Register(local.ProviderName, local.NewFromConfig)
	r.Register(mem0.ProviderName, mem0.NewFromConfig)
	r.Register(zep.ProviderName, zep.NewFromConfig)
	return r
}
