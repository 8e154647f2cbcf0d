package extension

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/vorion-labs/vorion/pkg/aci"
	"github.com/vorion-labs/vorion/pkg/apierror"
)

var (
	extIDPattern     = regexp.MustCompile(`^aci-ext-([a-z0-9-]+)-v(\d+)$`)
	shortCodePattern = regexp.MustCompile(`^[a-z]{1,10}$`)
)

// Registration pairs a provider with its validated descriptor and the
// capability set discovered at registration time.
type Registration struct {
	Provider Provider
}

// ID returns the extension id.
func (r *Registration) ID() string { return r.Provider.Descriptor().ID }

// ShortCode returns the extension short code.
func (r *Registration) ShortCode() string { return r.Provider.Descriptor().ShortCode }

// Registry is the source of truth for installed extensions, keyed both by
// extension id and by short code.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Registration
	byCode map[string]*Registration
	order  []string // registration order of ids, for List stability
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Registration),
		byCode: make(map[string]*Registration),
		logger: slog.Default().With("component", "extension-registry"),
	}
}

// hasAnyHook reports whether the provider implements at least one hook.
func hasAnyHook(p Provider) bool {
	switch p.(type) {
	case PreChecker, PostGranter, ExpiryHandler,
		PreActor, PostActor, FailureHandler,
		BehaviorVerifier, MetricsCollector, AnomalyHandler,
		RevocationHandler, TrustAdjuster, AttestationVerifier,
		PolicyEvaluator, PolicyLoader:
		return true
	}
	return false
}

// Register validates and installs an extension. If the provider implements
// Loader, OnLoad runs inside registration; a failing OnLoad rolls the
// registration back.
func (r *Registry) Register(ctx context.Context, p Provider) error {
	d := p.Descriptor()

	m := extIDPattern.FindStringSubmatch(d.ID)
	if m == nil {
		return apierror.Validation("extension id %q does not match aci-ext-{name}-v{major}", d.ID)
	}
	if !shortCodePattern.MatchString(d.ShortCode) {
		return apierror.Validation("extension %q short code %q must match [a-z]{1,10}", d.ID, d.ShortCode)
	}
	ver, err := semver.StrictNewVersion(d.Version)
	if err != nil {
		return apierror.Validation("extension %q version %q is not semver", d.ID, d.Version)
	}
	if idMajor, _ := strconv.Atoi(m[2]); uint64(idMajor) != ver.Major() {
		r.logger.Warn("extension id major does not match version major",
			"extension", d.ID, "id_major", idMajor, "version", d.Version)
	}
	if d.Publisher == "" {
		return apierror.Validation("extension %q has no publisher", d.ID)
	}
	if !hasAnyHook(p) {
		return apierror.Validation("extension %q implements no hooks", d.ID)
	}

	r.mu.Lock()
	if _, ok := r.byID[d.ID]; ok {
		r.mu.Unlock()
		return apierror.Conflict("extension id %q already registered", d.ID)
	}
	if existing, ok := r.byCode[d.ShortCode]; ok {
		r.mu.Unlock()
		return apierror.Conflict("short code %q already used by %q", d.ShortCode, existing.ID())
	}
	reg := &Registration{Provider: p}
	r.byID[d.ID] = reg
	r.byCode[d.ShortCode] = reg
	r.order = append(r.order, d.ID)
	r.mu.Unlock()

	if loader, ok := p.(Loader); ok {
		if err := loader.OnLoad(ctx); err != nil {
			r.remove(d.ID, d.ShortCode)
			return apierror.Wrap(apierror.CodeExternalService, err, "extension %q onLoad failed, registration rolled back", d.ID)
		}
	}

	r.logger.Info("extension registered", "extension", d.ID, "short_code", d.ShortCode, "version", d.Version)
	return nil
}

func (r *Registry) remove(id, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	delete(r.byCode, code)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Unregister removes an extension, invoking OnUnload best-effort first.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.RLock()
	reg, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return apierror.NotFound("extension %q not registered", id)
	}

	if unloader, ok := reg.Provider.(Unloader); ok {
		if err := unloader.OnUnload(ctx); err != nil {
			r.logger.Warn("extension onUnload failed", "extension", id, "error", err)
		}
	}
	r.remove(id, reg.ShortCode())
	r.logger.Info("extension unregistered", "extension", id)
	return nil
}

// Get returns the registration for a short code.
func (r *Registry) Get(shortCode string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byCode[shortCode]
	return reg, ok
}

// GetByID returns the registration for an extension id.
func (r *Registry) GetByID(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// List returns all registrations in registration order.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ForAgent resolves an agent's active extension set: the short codes
// declared in its ACI, in declaration order, intersected with the registry.
// Unknown short codes are warned about and dropped.
func (r *Registry) ForAgent(id *aci.Identifier) []*Registration {
	var out []*Registration
	for _, code := range id.Extensions {
		reg, ok := r.Get(code)
		if !ok {
			r.logger.Warn("unknown extension short code in ACI, dropping",
				"short_code", code, "agent_class", id.AgentClass)
			continue
		}
		out = append(out, reg)
	}
	return out
}

func (r *Registration) String() string {
	d := r.Provider.Descriptor()
	return fmt.Sprintf("%s(%s@%s)", d.ID, d.ShortCode, d.Version)
}
