// Package plugin implements the Plugin Host (C8).
//
// Per the redesign note, this replaces dynamic, duck-typed module
// loading with a registered, capability-based interface: a plugin
// implements exactly the lifecycle-hook interfaces it needs, and
// registers a constructor at init() time the same way this proxy's
// origin-client registry (ProxyClients, populated by each origin
// package's own init-time registration) works — compiled in, not
// loaded from a path at runtime. Out-of-process/subprocess plugins
// (the IPC half of the design note) are not implemented: no pack
// example offered a grounded subprocess protocol, and inventing one
// from nothing would not be learning from the corpus.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keepcache/keepcached/internal/config"
)

// Plugin is the minimum any registered plugin implements.
type Plugin interface {
	Name() string
}

// Capability interfaces. A plugin implements any subset of these; the
// host dispatches a given hook only to plugins implementing its
// interface, preserving configured load order within that subset.
type (
	ServerStarter interface {
		OnServerStart(ctx context.Context, cfg json.RawMessage) error
	}
	ServerStopper interface {
		OnServerStop(ctx context.Context, cfg json.RawMessage) error
	}
	BeforeRequester interface {
		BeforeRequest(ctx *RequestContext, cfg json.RawMessage) (*RequestContext, error)
	}
	AfterRequester interface {
		AfterRequest(ctx *RequestContext, cfg json.RawMessage) (*RequestContext, error)
	}
	CacheHitObserver interface {
		OnCacheHit(ctx *RequestContext, cfg json.RawMessage)
	}
	CacheMissObserver interface {
		OnCacheMiss(ctx *RequestContext, cfg json.RawMessage)
	}
	CacheStoreObserver interface {
		OnCacheStore(ctx *RequestContext, cfg json.RawMessage)
	}
	ErrorObserver interface {
		OnError(ctx *RequestContext, stage string, err error, cfg json.RawMessage)
	}
)

// RequestContext is the value plugins observe and partially mutate.
// beforeRequest may mutate RequestHeaders only; afterRequest may
// mutate ResponseHeaders only — the host does not enforce this at the
// type level (same as the source's advisory contract) but pipeline
// code must not read back fields a hook isn't permitted to change.
type RequestContext struct {
	RequestID       string
	ClientIP        string
	Method          string
	URL             string
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	CacheStatus     string
	PluginErrors    []string
}

// Factory constructs a fresh Plugin instance.
type Factory func() Plugin

var registry = map[string]Factory{}

// Register adds factory under name, called from a plugin package's
// init() the way each origin client package registers itself.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Lookup returns the registered factory for name, if any.
func Lookup(name string) (Factory, bool) {
	f, ok := registry[name]
	return f, ok
}

// Entry pairs a constructed Plugin with its private config block.
type Entry struct {
	Name   string
	Plugin Plugin
	Config json.RawMessage
}

// Host dispatches lifecycle hooks to configured plugins in load
// order. The hook tables are frozen after Build; nothing mutates a
// Host once it is built.
type Host struct {
	entries []Entry
	onError func(ctx *RequestContext, stage string, err error)
}

// Build resolves each configured plugin name against the registry and
// constructs the ordered Host. Unknown plugin names are skipped with
// an error returned so the caller can decide whether that's fatal.
func Build(configs []config.PluginConfig, onFaultLogged func(ctx *RequestContext, stage string, err error)) (*Host, []error) {
	h := &Host{onError: onFaultLogged}
	var errs []error
	for _, n := range configs {
		if !n.Enabled {
			continue
		}
		factory, ok := Lookup(n.Name)
		if !ok {
			errs = append(errs, fmt.Errorf("plugin: no registered plugin named %q", n.Name))
			continue
		}
		h.entries = append(h.entries, Entry{Name: n.Name, Plugin: factory(), Config: n.Config})
	}
	return h, errs
}

// dispatchFault records one plugin failure: it appends a message to
// ctx.PluginErrors and calls the host's onError callback, if any. It
// never aborts the request.
func (h *Host) dispatchFault(ctx *RequestContext, name string, stage string, err error) {
	msg := fmt.Sprintf("%s: %s: %v", name, stage, err)
	ctx.PluginErrors = append(ctx.PluginErrors, msg)
	if h.onError != nil {
		h.onError(ctx, stage, err)
	}
}

func (h *Host) OnServerStart(ctx context.Context, rc *RequestContext) {
	for _, e := range h.entries {
		if p, ok := e.Plugin.(ServerStarter); ok {
			h.safeCall(rc, e, "onServerStart", func() error { return p.OnServerStart(ctx, e.Config) })
		}
	}
}

func (h *Host) OnServerStop(ctx context.Context, rc *RequestContext) {
	for _, e := range h.entries {
		if p, ok := e.Plugin.(ServerStopper); ok {
			h.safeCall(rc, e, "onServerStop", func() error { return p.OnServerStop(ctx, e.Config) })
		}
	}
}

// BeforeRequest runs beforeRequest hooks in order, threading the
// (possibly replaced) context to the next plugin and to the pipeline.
func (h *Host) BeforeRequest(rc *RequestContext) *RequestContext {
	for _, e := range h.entries {
		p, ok := e.Plugin.(BeforeRequester)
		if !ok {
			continue
		}
		var next *RequestContext
		func() {
			defer h.recoverInto(rc, e, "beforeRequest")
			res, err := p.BeforeRequest(rc, e.Config)
			if err != nil {
				h.dispatchFault(rc, e.Name, "beforeRequest", err)
				return
			}
			next = res
		}()
		if next != nil {
			rc = next
		}
	}
	return rc
}

// AfterRequest runs afterRequest hooks in order, same discipline as
// BeforeRequest but for the response side.
func (h *Host) AfterRequest(rc *RequestContext) *RequestContext {
	for _, e := range h.entries {
		p, ok := e.Plugin.(AfterRequester)
		if !ok {
			continue
		}
		var next *RequestContext
		func() {
			defer h.recoverInto(rc, e, "afterRequest")
			res, err := p.AfterRequest(rc, e.Config)
			if err != nil {
				h.dispatchFault(rc, e.Name, "afterRequest", err)
				return
			}
			next = res
		}()
		if next != nil {
			rc = next
		}
	}
	return rc
}

func (h *Host) OnCacheHit(rc *RequestContext) {
	for _, e := range h.entries {
		if p, ok := e.Plugin.(CacheHitObserver); ok {
			h.safeCall(rc, e, "onCacheHit", func() error { p.OnCacheHit(rc, e.Config); return nil })
		}
	}
}

func (h *Host) OnCacheMiss(rc *RequestContext) {
	for _, e := range h.entries {
		if p, ok := e.Plugin.(CacheMissObserver); ok {
			h.safeCall(rc, e, "onCacheMiss", func() error { p.OnCacheMiss(rc, e.Config); return nil })
		}
	}
}

func (h *Host) OnCacheStore(rc *RequestContext) {
	for _, e := range h.entries {
		if p, ok := e.Plugin.(CacheStoreObserver); ok {
			h.safeCall(rc, e, "onCacheStore", func() error { p.OnCacheStore(rc, e.Config); return nil })
		}
	}
}

func (h *Host) OnError(rc *RequestContext, stage string, origErr error) {
	for _, e := range h.entries {
		if p, ok := e.Plugin.(ErrorObserver); ok {
			h.safeCall(rc, e, "onError", func() error { p.OnError(rc, stage, origErr, e.Config); return nil })
		}
	}
}

func (h *Host) safeCall(rc *RequestContext, e Entry, stage string, fn func() error) {
	defer h.recoverInto(rc, e, stage)
	if err := fn(); err != nil {
		h.dispatchFault(rc, e.Name, stage, err)
	}
}

func (h *Host) recoverInto(rc *RequestContext, e Entry, stage string) {
	if r := recover(); r != nil {
		h.dispatchFault(rc, e.Name, stage, fmt.Errorf("panic: %v", r))
	}
}
