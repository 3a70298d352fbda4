package plugin

import (
	"encoding/json"
	"testing"

	kcconfig "github.com/keepcache/keepcached/internal/config"
)

type faultyPlugin struct{}

func (faultyPlugin) Name() string { return "faulty" }
func (faultyPlugin) BeforeRequest(ctx *RequestContext, cfg json.RawMessage) (*RequestContext, error) {
	panic("boom")
}

type headerPlugin struct{}

func (headerPlugin) Name() string { return "header" }
func (headerPlugin) BeforeRequest(ctx *RequestContext, cfg json.RawMessage) (*RequestContext, error) {
	ctx.RequestHeaders["X-Plugin"] = "yes"
	return ctx, nil
}

func init() {
	Register("faulty", func() Plugin { return faultyPlugin{} })
	Register("header", func() Plugin { return headerPlugin{} })
}

func TestFailingPluginNeverAbortsRequest(t *testing.T) {
	host, errs := Build([]kcconfig.PluginConfig{
		{Name: "faulty", Enabled: true},
		{Name: "header", Enabled: true},
	}, nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected build errors: %v", errs)
	}
	rc := &RequestContext{RequestHeaders: map[string]string{}}
	rc = host.BeforeRequest(rc)

	if len(rc.PluginErrors) != 1 {
		t.Fatalf("expected exactly one recorded plugin fault, got %d: %v", len(rc.PluginErrors), rc.PluginErrors)
	}
	if rc.RequestHeaders["X-Plugin"] != "yes" {
		t.Fatal("the second plugin must still run after the first one panics")
	}
}

func TestUnknownPluginNameReportsError(t *testing.T) {
	_, errs := Build([]kcconfig.PluginConfig{{Name: "does-not-exist", Enabled: true}}, nil)
	if len(errs) != 1 {
		t.Fatalf("expected one error for an unregistered plugin, got %v", errs)
	}
}
