package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danvaneijck/attache/internal/config"
	"github.com/danvaneijck/attache/internal/fault"
)

// cachedManifest is one provider's validated tool set with its fetch
// time. Entries are replaced wholesale on refresh.
type cachedManifest struct {
	tools   []ToolDescriptor
	fetched time.Time
}

// Registry owns the manifest cache and the routing table from tool
// namespace to provider. Safe for concurrent use: lookups see either
// the old or the new manifest for a provider, never a mix.
type Registry struct {
	cfg       config.RegistryConfig
	providers map[string]*provider
	order     []string // provider names in config order, for stable listings
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedManifest

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a registry from configuration. Provider names are
// validated at construction so an unroutable namespace is rejected
// before any network call.
func New(cfg config.RegistryConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	providers := make(map[string]*provider, len(cfg.Providers))
	order := make([]string, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if !toolNameRe.MatchString(pc.Name) {
			return nil, fmt.Errorf("invalid provider name %q", pc.Name)
		}
		if _, dup := providers[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", pc.Name)
		}
		if pc.URL == "" {
			return nil, fmt.Errorf("provider %q has no URL", pc.Name)
		}
		providers[pc.Name] = newProvider(pc, cfg.RequestTimeout(), logger)
		order = append(order, pc.Name)
	}

	return &Registry{
		cfg:       cfg,
		providers: providers,
		order:     order,
		logger:    logger,
		cache:     make(map[string]cachedManifest),
		done:      make(chan struct{}),
	}, nil
}

// Discover fetches and installs every provider's manifest, one
// goroutine per provider so a slow endpoint never delays the rest. A
// provider that is unreachable or returns a malformed manifest keeps
// its old cache entry (which will age out by TTL) and never affects
// the others.
func (r *Registry) Discover(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range r.order {
		wg.Add(1)
		go func(name string, p *provider) {
			defer wg.Done()

			tools, err := p.fetchManifest(ctx)
			if err != nil {
				r.logger.Warn("manifest fetch failed", "provider", name, "error", err)
				return
			}
			if err := validateManifest(name, tools); err != nil {
				r.logger.Warn("manifest rejected", "provider", name, "error", err)
				return
			}

			r.mu.Lock()
			r.cache[name] = cachedManifest{tools: tools, fetched: time.Now()}
			r.mu.Unlock()

			r.logger.Info("manifest installed", "provider", name, "tools", len(tools))
		}(name, r.providers[name])
	}
	wg.Wait()
}

// Start runs an immediate discovery and then refreshes on the
// configured interval until Stop or context cancellation.
func (r *Registry) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(workerCtx)
}

// Stop cancels the refresh worker and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	r.Discover(ctx)

	ticker := time.NewTicker(r.cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry refresh stopped")
			return
		case <-ticker.C:
			r.Discover(ctx)
		}
	}
}

// ListTools returns the qualified tools visible to a caller at the
// given permission level, restricted to the allowed namespaces. A nil
// namespace set allows every namespace. Tools above the caller's level
// are never returned.
func (r *Registry) ListTools(permissionLevel int, allowedNamespaces []string) []Tool {
	allowed := toSet(allowedNamespaces)
	now := time.Now()
	ttl := r.cfg.ManifestTTL()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Tool
	for _, name := range r.order {
		if allowed != nil && !allowed[name] {
			continue
		}
		entry, ok := r.cache[name]
		if !ok || now.Sub(entry.fetched) > ttl {
			continue
		}
		for _, td := range entry.tools {
			if td.MinPermission > permissionLevel {
				continue
			}
			result = append(result, Tool{
				Name:          name + "." + td.Name,
				Provider:      name,
				Description:   td.Description,
				Parameters:    td.Parameters,
				MinPermission: td.MinPermission,
			})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Execute routes one tool invocation to its owning provider. Unknown,
// expired, or insufficiently-permissioned tool names all classify as
// UnknownTool so stale model requests degrade cleanly.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, user ActingUser, rc *RoutingContext) (string, error) {
	providerName, toolName, found := strings.Cut(name, ".")
	if !found {
		return "", fault.Newf(fault.KindUnknownTool, "", "tool name %q is not namespaced", name)
	}

	p, ok := r.providers[providerName]
	if !ok {
		return "", fault.Newf(fault.KindUnknownTool, providerName, "no provider for tool %q", name)
	}

	if !r.lookupTool(providerName, toolName, user.PermissionLevel) {
		return "", fault.Newf(fault.KindUnknownTool, providerName, "tool %q is not available", name)
	}

	result, err := p.execute(ctx, toolName, args, user, rc)
	if err != nil && fault.Recoverable(err) {
		// The provider itself failed, not the tool. Hide its tools
		// until the next successful refresh brings it back.
		r.markUnhealthy(providerName)
	}
	return result, err
}

// markUnhealthy evicts a provider's manifest so its tools stop listing
// until a refresh succeeds.
func (r *Registry) markUnhealthy(providerName string) {
	r.mu.Lock()
	delete(r.cache, providerName)
	r.mu.Unlock()
	r.logger.Warn("provider marked unhealthy", "provider", providerName)
}

// lookupTool reports whether the named tool is currently cached,
// unexpired, and within the caller's permission level.
func (r *Registry) lookupTool(providerName, toolName string, permissionLevel int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[providerName]
	if !ok || time.Since(entry.fetched) > r.cfg.ManifestTTL() {
		return false
	}
	for _, td := range entry.tools {
		if td.Name == toolName {
			return td.MinPermission <= permissionLevel
		}
	}
	return false
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
