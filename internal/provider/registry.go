package provider

import (
	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
)

// defaultProvider maps a tier to the provider it uses absent an explicit
// forced route: free and pro both default to kimi, max defaults to claude.
var defaultProvider = map[identity.Tier]Name{
	identity.TierFree: NameKimi,
	identity.TierPro:  NameKimi,
	identity.TierMax:  NameClaude,
}

// forcedProviderTier is the minimum tier a token must hold to use a given
// provider-forced route, independent of its default.
var forcedProviderTier = map[Name]identity.Tier{
	NameDeepSeek: identity.TierFree,
	NameKimi:     identity.TierFree,
	NameClaude:   identity.TierMax,
}

// Registry holds one adapter per configured provider and resolves which one
// a request should use.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry builds a Registry from the given adapters, keyed by their own
// Name().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Default resolves the provider a tier uses when no route forces one.
func (r *Registry) Default(tier identity.Tier) (Adapter, error) {
	name, ok := defaultProvider[tier]
	if !ok {
		name = NameKimi
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, apperror.Internal(string(name)+" provider is not configured", nil)
	}
	return a, nil
}

// Forced resolves an explicitly-requested provider route, enforcing that the
// token's tier is at least the provider's minimum tier.
func (r *Registry) Forced(name Name, tokenTier identity.Tier) (Adapter, error) {
	minTier, known := forcedProviderTier[name]
	if !known {
		return nil, apperror.NotFound("unknown provider route")
	}
	if identity.Level(tokenTier) < identity.Level(minTier) {
		return nil, apperror.New(apperror.KindForbiddenTierTooHigh, "this provider requires a higher tier")
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, apperror.Internal(string(name)+" provider is not configured", nil)
	}
	return a, nil
}
