package payment

import (
	"fmt"
	"sort"
)

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[Provider]Adapter
}

// NewRegistry indexes the given adapters by their provider.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Provider()] = a
		}
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p Provider) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[p]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
}

// Lookup resolves a raw provider name, as found in a URL path.
func (r *Registry) Lookup(name string) (Adapter, error) {
	p, ok := ParseProvider(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return r.Get(p)
}

// Providers lists registered providers in a stable order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewAdapters builds every supported adapter, asking optsFor for each provider's options.
func NewAdapters(optsFor func(Provider) Options) []Adapter {
	if optsFor == nil {
		optsFor = func(Provider) Options { return Options{} }
	}
	return []Adapter{
		NewStripe(optsFor(ProviderStripe)),
		NewPayPal(optsFor(ProviderPayPal)),
		NewSquare(optsFor(ProviderSquare)),
		NewPayPay(optsFor(ProviderPayPay)),
		NewKomoju(optsFor(ProviderKomoju)),
	}
}
