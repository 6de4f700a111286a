// Package provider defines the opaque capability contract the router
// drives every backend through, and a concurrency-safe registry of
// configured adapters. No vendor wire format is part of this contract;
// each adapter translates its own backend's errors into the router's
// error taxonomy and never retries internally.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/havenline/routecore/estimator"
)

// Attributes are the read-only facts the scorer and router need about a
// provider, independent of how the adapter talks to its backend.
type Attributes struct {
	Name     string
	Model    string
	RPMLimit int
	TPMLimit int
	Weight   float64
	Enabled  bool
}

// ChatOptions carries passthrough fields the caller wants forwarded to
// the adapter verbatim, plus the fields the router itself interprets.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
	Extra       map[string]any
}

// Fragment is one piece of a streamed response. The final fragment in a
// stream carries Done == true along with the completion's actual token
// counts, since adapters must surface those once the lazy sequence is
// exhausted.
type Fragment struct {
	Content      string
	Done         bool
	InputTokens  int
	OutputTokens int
}

// Stream is a finite, non-restartable lazy sequence of fragments.
type Stream interface {
	// Next blocks until the next fragment is available, returns io.EOF-
	// shaped completion via a final Done fragment, or returns an error.
	Next(ctx context.Context) (Fragment, error)
	// Close releases any underlying connection before the stream is
	// fully drained.
	Close() error
}

// Adapter is the closed capability set every vendor integration
// implements: chat, stream, close, plus its read-only attributes.
type Adapter interface {
	Attributes() Attributes
	Chat(ctx context.Context, messages []estimator.Message, opts ChatOptions) (content string, inputTokens, outputTokens int, err error)
	Stream(ctx context.Context, messages []estimator.Message, opts ChatOptions) (Stream, error)
	Close() error
}

// Config is the declaration used to construct an adapter from the
// router's configuration surface.
type Config struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Model   string
	Models  []string
	RPM     int
	TPM     int
	Weight  float64
	Enabled bool
	Headers map[string]string
}

// Factory constructs an Adapter from a Config. Vendor packages register
// themselves under their Type string.
type Factory func(cfg Config) (Adapter, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a vendor adapter constructor available to
// Registry.RegisterFromConfig under the given type name. Vendor packages
// call this from an init function.
func RegisterFactory(typeName string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[typeName] = f
}

// Registry is the concurrency-safe, name-keyed collection of adapters the
// router dispatches through. Registration is idempotent by name:
// re-registering a name replaces the previous adapter (which is not
// closed automatically — callers that care about leaked connections
// should close the old adapter themselves before replacing it).
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// RegisterFromConfig builds an adapter via the factory registered for
// cfg.Type and adds it under cfg.Name.
func (r *Registry) RegisterFromConfig(cfg Config) error {
	factoriesMu.Lock()
	f, ok := factories[cfg.Type]
	factoriesMu.Unlock()
	if !ok {
		return fmt.Errorf("provider: no factory registered for type %q", cfg.Type)
	}

	adapter, err := f(cfg)
	if err != nil {
		return fmt.Errorf("provider: building %q: %w", cfg.Name, err)
	}

	r.RegisterPrebuiltAdapter(cfg.Name, adapter)
	return nil
}

// RegisterPrebuiltAdapter adds an already-constructed adapter under name.
func (r *Registry) RegisterPrebuiltAdapter(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

// RegisterBYOC registers a caller-supplied adapter wrapping a
// pre-configured vendor SDK client the caller constructed itself,
// bypassing the config-driven factory path entirely. The Go type is
// identical to RegisterPrebuiltAdapter; the distinction is only in who
// owns constructing the underlying vendor client (see DESIGN.md).
func (r *Registry) RegisterBYOC(name string, adapter Adapter) {
	r.RegisterPrebuiltAdapter(name, adapter)
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	return a, ok
}

// GetAllEnabled returns every registered adapter whose attributes mark it
// enabled.
func (r *Registry) GetAllEnabled() []Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if a.Attributes().Enabled {
			out = append(out, a)
		}
	}
	return out
}

// CloseAll closes every registered adapter, returning the first error
// encountered (if any) after attempting every close.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
