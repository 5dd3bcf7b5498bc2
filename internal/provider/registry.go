package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/timmy/exposcan/internal/domain"
)

// Category groups providers by the kind of evidence they produce.
type Category string

const (
	CategoryBreach Category = "breach"
	CategorySocial Category = "social"
	CategoryOSINT  Category = "osint"
	CategoryGeo    Category = "geo"
	CategoryBroker Category = "broker"
	CategoryPhone  Category = "phone"
)

// Spec is the static description of one provider.
type Spec struct {
	ID          domain.ProviderID   `json:"id"`
	Name        string              `json:"name"`
	Category    Category            `json:"category"`
	Cost        int64               `json:"cost"` // credits per target
	MinTier     domain.Tier         `json:"min_tier"`
	TargetTypes []domain.TargetType `json:"target_types"`
	Enabled     bool                `json:"enabled"`
}

// Supports reports whether the provider accepts targets of type t.
func (s Spec) Supports(t domain.TargetType) bool {
	for _, tt := range s.TargetTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// DefaultSpecs returns the built-in provider catalogue.
func DefaultSpecs() []Spec {
	return []Spec{
		{ID: "hibp", Name: "Breach Checker", Category: CategoryBreach, Cost: 2, MinTier: domain.TierFree,
			TargetTypes: []domain.TargetType{domain.TargetEmail, domain.TargetPhone}, Enabled: true},
		{ID: "leakcheck", Name: "Leak Index", Category: CategoryBreach, Cost: 3, MinTier: domain.TierPro,
			TargetTypes: []domain.TargetType{domain.TargetEmail, domain.TargetUsername}, Enabled: true},
		{ID: "maigret", Name: "Maigret", Category: CategorySocial, Cost: 1, MinTier: domain.TierFree,
			TargetTypes: []domain.TargetType{domain.TargetUsername}, Enabled: true},
		{ID: "sherlock", Name: "Sherlock", Category: CategorySocial, Cost: 1, MinTier: domain.TierPro,
			TargetTypes: []domain.TargetType{domain.TargetUsername}, Enabled: true},
		{ID: "theharvester", Name: "OSINT Harvester", Category: CategoryOSINT, Cost: 2, MinTier: domain.TierPro,
			TargetTypes: []domain.TargetType{domain.TargetEmail, domain.TargetName, domain.TargetUsername}, Enabled: true},
		{ID: "spiderfoot", Name: "SpiderFoot", Category: CategoryOSINT, Cost: 10, MinTier: domain.TierBusiness,
			TargetTypes: []domain.TargetType{domain.TargetEmail, domain.TargetUsername, domain.TargetIP, domain.TargetPhone}, Enabled: true},
		{ID: "brokers", Name: "Broker Finder", Category: CategoryBroker, Cost: 3, MinTier: domain.TierBusiness,
			TargetTypes: []domain.TargetType{domain.TargetName, domain.TargetPhone, domain.TargetEmail}, Enabled: true},
		{ID: "carrier", Name: "Carrier Intel", Category: CategoryPhone, Cost: 2, MinTier: domain.TierPro,
			TargetTypes: []domain.TargetType{domain.TargetPhone}, Enabled: true},
		{ID: "ipgeo", Name: "IP Geolocation", Category: CategoryGeo, Cost: 1, MinTier: domain.TierFree,
			TargetTypes: []domain.TargetType{domain.TargetIP}, Enabled: true},
		{ID: "darkweb", Name: "Dark Web Monitor", Category: CategoryBreach, Cost: 5, MinTier: domain.TierPremium,
			TargetTypes: []domain.TargetType{domain.TargetEmail, domain.TargetUsername, domain.TargetPhone}, Enabled: true},
	}
}

// Registry holds provider specs and the adapters that serve them.
// A spec without an adapter is known but not configured.
type Registry struct {
	mu       sync.RWMutex
	specs    map[domain.ProviderID]Spec
	adapters map[domain.ProviderID]Adapter
}

// NewRegistry creates a registry seeded with specs.
func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{
		specs:    make(map[domain.ProviderID]Spec, len(specs)),
		adapters: make(map[domain.ProviderID]Adapter),
	}
	for _, s := range specs {
		r.specs[s.ID] = s
	}
	return r
}

// Register adds or replaces a spec and binds its adapter. adapter may be nil.
func (r *Registry) Register(spec Spec, adapter Adapter) error {
	if spec.ID == "" {
		return fmt.Errorf("provider spec has empty id")
	}
	if adapter != nil && adapter.ID() != spec.ID {
		return fmt.Errorf("adapter id %q does not match spec %q", adapter.ID(), spec.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = spec
	if adapter != nil {
		r.adapters[spec.ID] = adapter
	} else {
		delete(r.adapters, spec.ID)
	}
	return nil
}

// Bind attaches an adapter to an already registered spec.
func (r *Registry) Bind(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[adapter.ID()]; !ok {
		return fmt.Errorf("unknown provider %q", adapter.ID())
	}
	r.adapters[adapter.ID()] = adapter
	return nil
}

// Spec looks up a provider spec.
func (r *Registry) Spec(id domain.ProviderID) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	return s, ok
}

// Adapter returns the adapter bound to id, if any.
func (r *Registry) Adapter(id domain.ProviderID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Available reports whether id is enabled and has an adapter.
func (r *Registry) Available(id domain.ProviderID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	if !ok || !s.Enabled {
		return false
	}
	_, bound := r.adapters[id]
	return bound
}

// Pricing returns the per-target cost and minimum tier of a provider.
func (r *Registry) Pricing(id domain.ProviderID) (cost int64, minTier domain.Tier, ok bool) {
	s, ok := r.Spec(id)
	if !ok {
		return 0, "", false
	}
	return s.Cost, s.MinTier, true
}

// Specs returns all specs sorted by id.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
