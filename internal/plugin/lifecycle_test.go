package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/rpc"
	"github.com/millwright-cad/millwright/internal/wire"
)

const cooperativeScript = `
local mw = require("millwright")

mw.on_message(function(msg)
	if msg.type ~= "request" then
		return
	end
	mw.send({id = msg.id, type = "response"})
end)

mw.ready()
`

const refusingScript = `
local mw = require("millwright")

mw.on_message(function(msg)
	if msg.type ~= "request" then
		return
	end
	if msg.method == "_lifecycle.activate" then
		mw.send({
			id = msg.id,
			type = "response",
			error = {code = -32500, message = "cannot activate"},
		})
		return
	end
	mw.send({id = msg.id, type = "response"})
end)

mw.ready()
`

// hangingScript never signals readiness.
const hangingScript = `
local mw = require("millwright")
mw.on_message(function(msg) end)
`

// writeBundle lays out an installable plugin directory and returns its
// loaded manifest.
func writeBundle(t *testing.T, id, script string, deps map[string]string) *Manifest {
	t.Helper()

	dir := t.TempDir()
	manifest := fmt.Sprintf(`{"id":%q,"name":"Test Plugin","version":"1.0.0","permissions":["model:read"]`, id)
	if len(deps) != 0 {
		manifest += `,"dependencies":{`
		first := true
		for depID, rng := range deps {
			if !first {
				manifest += ","
			}
			manifest += fmt.Sprintf("%q:%q", depID, rng)
			first = false
		}
		manifest += `}`
	}
	manifest += `}`

	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifestFile(dir)
	if err != nil {
		t.Fatalf("load bundle %s: %v", id, err)
	}
	return m
}

func newTestLifecycle(t *testing.T) *Lifecycle {
	t.Helper()

	registry, err := NewRegistry(newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	registry.Logf = func(string, ...any) {}

	defaults := security.DefaultPolicyDefaults()
	defaults.Limits.ReadyTimeout = 300 * time.Millisecond

	factory := NewHostFactory(defaults, wire.NewCodec(), rpc.NewRouter(nil), nil)
	l := NewLifecycle(registry, factory)
	l.Logf = func(string, ...any) {}

	t.Cleanup(func() { l.Shutdown(context.Background()) }) //nolint:errcheck
	return l
}

func TestLifecycleInstallEnableActivateDisable(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()
	m := writeBundle(t, "co.x.demo", cooperativeScript, nil)

	entry, err := l.Install(m)
	if err != nil {
		t.Fatalf("Install error: %v", err)
	}
	if entry.State != StateInstalled || entry.Enabled {
		t.Fatalf("fresh entry = state %s enabled %v", entry.State, entry.Enabled)
	}

	// Disabled plugins do not run.
	if _, err := l.LoadAndActivate(ctx, "co.x.demo"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("activate while disabled error = %v", err)
	}

	if err := l.Enable("co.x.demo"); err != nil {
		t.Fatal(err)
	}

	host, err := l.LoadAndActivate(ctx, "co.x.demo")
	if err != nil {
		t.Fatalf("LoadAndActivate error: %v", err)
	}
	if host.State() != StateActivated {
		t.Errorf("host state = %s", host.State())
	}
	entry, _ = l.Registry().Get("co.x.demo")
	if entry.State != StateActivated {
		t.Errorf("registry state = %s", entry.State)
	}

	// Idempotent: same host back, no churn.
	again, err := l.LoadAndActivate(ctx, "co.x.demo")
	if err != nil {
		t.Fatal(err)
	}
	if again != host {
		t.Error("second activation built a new host")
	}

	if err := l.Disable(ctx, "co.x.demo"); err != nil {
		t.Fatalf("Disable error: %v", err)
	}
	if _, live := l.Host("co.x.demo"); live {
		t.Error("host still live after disable")
	}
	entry, _ = l.Registry().Get("co.x.demo")
	if entry.Enabled || entry.State != StateInstalled {
		t.Errorf("disabled entry = enabled %v state %s", entry.Enabled, entry.State)
	}
}

func TestLifecycleActivationFailureRollsBack(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()
	m := writeBundle(t, "co.x.refuser", refusingScript, nil)

	if _, err := l.Install(m); err != nil {
		t.Fatal(err)
	}
	if err := l.Enable("co.x.refuser"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.LoadAndActivate(ctx, "co.x.refuser"); err == nil {
		t.Fatal("activation succeeded, want refusal")
	}
	if _, live := l.Host("co.x.refuser"); live {
		t.Error("failed host left live")
	}

	entry, _ := l.Registry().Get("co.x.refuser")
	if entry.State != StateErrored || entry.ErrorCount != 1 {
		t.Errorf("entry = state %s count %d", entry.State, entry.ErrorCount)
	}
	if entry.LastError == "" {
		t.Error("cause not recorded")
	}
}

func TestLifecycleReadyTimeoutRecorded(t *testing.T) {
	l := newTestLifecycle(t)
	m := writeBundle(t, "co.x.hang", hangingScript, nil)

	if _, err := l.Install(m); err != nil {
		t.Fatal(err)
	}
	if err := l.Enable("co.x.hang"); err != nil {
		t.Fatal(err)
	}

	_, err := l.LoadAndActivate(context.Background(), "co.x.hang")
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("error = %v, want ErrReadyTimeout", err)
	}
	if _, live := l.Host("co.x.hang"); live {
		t.Error("timed-out host left live")
	}
	entry, _ := l.Registry().Get("co.x.hang")
	if entry.State != StateErrored {
		t.Errorf("registry state = %s", entry.State)
	}
}

func TestLifecycleUnknownPlugin(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	if _, err := l.LoadAndActivate(ctx, "co.x.ghost"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("activate error = %v", err)
	}
	if err := l.Uninstall(ctx, "co.x.ghost"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("uninstall error = %v", err)
	}
	// Tearing down a plugin with no live host is a no-op.
	if err := l.DeactivateAndUnload(ctx, "co.x.ghost"); err != nil {
		t.Errorf("unload error = %v", err)
	}
}

func TestLifecycleUninstall(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	base := writeBundle(t, "co.x.base", cooperativeScript, nil)
	ext := writeBundle(t, "co.x.ext", cooperativeScript, map[string]string{"co.x.base": "^1.0.0"})

	if _, err := l.Install(base); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Install(ext); err != nil {
		t.Fatal(err)
	}
	if err := l.Enable("co.x.base"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadAndActivate(ctx, "co.x.base"); err != nil {
		t.Fatal(err)
	}

	// Dependents block removal before anything is torn down.
	var depErr *DependencyError
	if err := l.Uninstall(ctx, "co.x.base"); !errors.As(err, &depErr) {
		t.Fatalf("uninstall error = %v, want *DependencyError", err)
	}
	if _, live := l.Host("co.x.base"); !live {
		t.Error("blocked uninstall tore the host down")
	}

	if err := l.Uninstall(ctx, "co.x.ext"); err != nil {
		t.Fatal(err)
	}
	if err := l.Uninstall(ctx, "co.x.base"); err != nil {
		t.Fatal(err)
	}
	if _, live := l.Host("co.x.base"); live {
		t.Error("host survived uninstall")
	}
	if len(l.Registry().List()) != 0 {
		t.Errorf("entries remain: %v", l.Registry().List())
	}
}

func TestLifecycleUpdateTearsDownFirst(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	m := writeBundle(t, "co.x.demo", cooperativeScript, nil)
	if _, err := l.Install(m); err != nil {
		t.Fatal(err)
	}
	if err := l.Enable("co.x.demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadAndActivate(ctx, "co.x.demo"); err != nil {
		t.Fatal(err)
	}

	m2 := writeBundle(t, "co.x.demo", cooperativeScript, nil)
	m2.Version = "1.1.0"

	entry, err := l.Update(ctx, m2)
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if _, live := l.Host("co.x.demo"); live {
		t.Error("old host survived update")
	}
	if entry.Version != "1.1.0" || entry.Enabled || entry.State != StateInstalled {
		t.Errorf("updated entry = %+v", entry)
	}
}

func TestLifecycleShutdown(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	for _, id := range []string{"co.x.one", "co.x.two"} {
		m := writeBundle(t, id, cooperativeScript, nil)
		if _, err := l.Install(m); err != nil {
			t.Fatal(err)
		}
		if err := l.Enable(id); err != nil {
			t.Fatal(err)
		}
		if _, err := l.LoadAndActivate(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(l.ActiveIDs()); got != 2 {
		t.Fatalf("active hosts = %d", got)
	}

	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := len(l.ActiveIDs()); got != 0 {
		t.Errorf("hosts remain after shutdown: %d", got)
	}
	for _, id := range []string{"co.x.one", "co.x.two"} {
		entry, _ := l.Registry().Get(id)
		if entry.State != StateInstalled {
			t.Errorf("%s state = %s", id, entry.State)
		}
	}
}

func TestLifecycleWindowedHostGetsSurface(t *testing.T) {
	registry, err := NewRegistry(newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	registry.Logf = func(string, ...any) {}

	defaults := security.DefaultPolicyDefaults()
	factory := NewHostFactory(defaults, wire.NewCodec(), rpc.NewRouter(nil), nil)
	_ = NewLifecycle(registry, factory)

	// Without a surface server, a UI manifest still builds a worker host.
	m := validManifest()
	m.Permissions = append(m.Permissions, security.PermUISidebar)
	h := factory.NewHost(m)
	if h == nil {
		t.Fatal("no host built")
	}
	if SurfaceToken(h) != "" {
		t.Error("worker host reported a surface token")
	}
}
