package poolapi

import (
	"strings"
	"time"

	"github.com/tos-network/uptimed/internal/httpx"
)

// RequiredCreds describes which credential columns a pool needs.
type RequiredCreds struct {
	APIKey    bool
	SecretKey bool
}

type registryEntry struct {
	adapter Adapter
	creds   RequiredCreds
}

// Registry dispatches by normalised pool name to the adapter that
// knows how to talk to it, mirroring the construction shape of a
// multi-upstream manager but keyed by pool identity instead of
// failover priority.
type Registry struct {
	entries map[string]registryEntry
}

// Options configures the shared HTTP client and any per-pool overrides
// used when building the default adapter set.
type Options struct {
	HTTPTimeout time.Duration
	BinanceBase string // optional override, highest priority base host
}

// NewRegistry builds the registry with the five supported pool
// adapters wired to a shared httpx.Client.
func NewRegistry(opts Options) *Registry {
	client := httpx.New(opts.HTTPTimeout)
	r := NewEmptyRegistry()
	r.Register("viabtc", NewViaBTC(client), RequiredCreds{APIKey: true})
	r.Register("litecoinpool", NewLiteCoinPool(client), RequiredCreds{APIKey: true})
	r.Register("miningdutch", NewMiningDutch(client), RequiredCreds{APIKey: true})
	r.Register("f2pool", NewF2Pool(client), RequiredCreds{APIKey: true})
	r.Register("binance", NewBinance(client, opts.BinanceBase), RequiredCreds{APIKey: true, SecretKey: true})
	return r
}

// NewEmptyRegistry builds a registry with no adapters registered;
// callers add adapters via Register. Used to assemble a registry from
// a subset of the default adapter set, and by tests.
func NewEmptyRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds or replaces the adapter responsible for pool.
func (r *Registry) Register(pool string, a Adapter, creds RequiredCreds) {
	r.entries[normalize(pool)] = registryEntry{adapter: a, creds: creds}
}

func normalize(pool string) string {
	return strings.ToLower(strings.TrimSpace(pool))
}

// Lookup returns the adapter for pool (case-insensitive exact match)
// and whether it was found.
func (r *Registry) Lookup(pool string) (Adapter, bool) {
	e, ok := r.entries[normalize(pool)]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// RequiredCredentials reports which credential columns pool needs, and
// whether pool is known at all.
func (r *Registry) RequiredCredentials(pool string) (RequiredCreds, bool) {
	e, ok := r.entries[normalize(pool)]
	if !ok {
		return RequiredCreds{}, false
	}
	return e.creds, true
}

// Supported lists the normalised pool names the registry knows about.
func (r *Registry) Supported() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
