// Package registry owns the tool catalog and the execution pipeline that
// mediates every invocation: credit charge, rate limit, handler dispatch,
// and audit recording.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/quota"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/recorder"
)

// Config wires the registry's collaborators. Ledger and Recorder are
// external systems; Limiter defaults to the in-memory fixed-window
// implementation when nil.
type Config struct {
	Ledger   quota.Ledger
	Recorder recorder.Recorder
	Limiter  Limiter
	Logger   *zap.Logger
}

// Registry is the dispatch core. It is an explicitly constructed instance —
// there is no package-level singleton — so tests can create isolated
// registries instead of mutating shared state.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	ledger   quota.Ledger
	recorder recorder.Recorder
	limiter  Limiter
	cache    *resultCache
	logger   *zap.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewFixedWindowLimiter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = quota.NewStaticLedger()
	}
	return &Registry{
		tools:    make(map[string]*registeredTool),
		ledger:   ledger,
		recorder: cfg.Recorder,
		limiter:  limiter,
		cache:    newResultCache(),
		logger:   logger,
	}
}

// Register adds a definition+handler pair to the catalog. A second
// registration under an existing name fails with ErrToolAlreadyRegistered;
// the original is never silently overwritten.
func (r *Registry) Register(def ToolDefinition, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return ErrToolAlreadyRegistered
	}
	r.tools[def.Name] = &registeredTool{def: def, handler: handler}

	r.logger.Info("tool registered",
		zap.String("tool_name", def.Name),
		zap.String("category", string(def.Category)),
		zap.String("permission_level", string(def.PermissionLevel)),
	)
	return nil
}

// Unregister removes a tool along with its rate-limiter state and cached
// results. Returns false if the tool was not registered. Used for test
// isolation, not a production hot path.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, exists := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()

	if exists {
		r.limiter.Reset(name)
		r.cache.DeleteTool(name)
	}
	return exists
}

// GetTool returns the definition for an exact name, or nil when unknown.
// Handlers are never exposed; tools are only invocable through Execute.
func (r *Registry) GetTool(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return nil
	}
	def := rt.def
	return &def
}

// ListTools returns non-deprecated definitions matching the filter, sorted
// by name so repeated calls are order-stable.
func (r *Registry) ListTools(filter ListFilter) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		if rt.def.Deprecated {
			continue
		}
		if !filter.matches(rt.def) {
			continue
		}
		out = append(out, rt.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LLMFunctions projects ListTools down to the fields a function-calling
// LLM needs.
func (r *Registry) LLMFunctions(filter ListFilter) []LLMFunction {
	defs := r.ListTools(filter)
	out := make([]LLMFunction, 0, len(defs))
	for _, def := range defs {
		out = append(out, LLMFunction{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

func (f ListFilter) matches(def ToolDefinition) bool {
	if f.Category != "" && def.Category != f.Category {
		return false
	}
	if f.PermissionLevel != "" && def.PermissionLevel != f.PermissionLevel {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range def.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// lookup fetches the registered pair under the read lock.
func (r *Registry) lookup(name string) *registeredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}
