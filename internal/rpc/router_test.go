package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/millwright-cad/millwright/internal/plugin/security"
)

func testRouter(t *testing.T, checker PermissionChecker) *Router {
	t.Helper()
	r := NewRouter(checker)
	r.Logf = func(string, ...any) {}
	err := r.Register(&Service{
		Namespace: "model",
		Methods: map[string]Handler{
			"read": func(context.Context, string, any) (any, error) {
				return "geometry", nil
			},
			"fail": func(context.Context, string, any) (any, error) {
				return nil, errors.New("bad feature tree")
			},
			"denied": func(context.Context, string, any) (any, error) {
				return nil, security.NewCapabilityError(security.PermModelWrite, "write", "not granted")
			},
			"panic": func(context.Context, string, any) (any, error) {
				panic("handler bug")
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDispatch(t *testing.T) {
	r := testRouter(t, nil)

	tests := []struct {
		name       string
		method     string
		wantResult any
		wantCode   int
	}{
		{"ok", "model.read", "geometry", 0},
		{"handler error", "model.fail", nil, CodeApplicationError},
		{"capability error", "model.denied", nil, CodePermissionDenied},
		{"panic contained", "model.panic", nil, CodeInternalError},
		{"unknown namespace", "toolpath.generate", nil, CodeMethodNotFound},
		{"unknown method", "model.missing", nil, CodeMethodNotFound},
		{"malformed method", "noNamespace", nil, CodeInvalidRequest},
		{"reserved namespace", "_lifecycle.activate", nil, CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, rpcErr := r.Dispatch(context.Background(), "co.x.demo", tt.method, nil)
			if tt.wantCode == 0 {
				if rpcErr != nil {
					t.Fatalf("Dispatch error: %v", rpcErr)
				}
				if result != tt.wantResult {
					t.Errorf("result = %v, want %v", result, tt.wantResult)
				}
				return
			}
			if rpcErr == nil {
				t.Fatalf("Dispatch succeeded, want code %d", tt.wantCode)
			}
			if rpcErr.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rpcErr.Code, tt.wantCode)
			}
		})
	}
}

func TestDispatchPermissionChecker(t *testing.T) {
	r := testRouter(t, func(pluginID, method string) bool {
		return pluginID == "co.x.trusted"
	})

	if _, rpcErr := r.Dispatch(context.Background(), "co.x.trusted", "model.read", nil); rpcErr != nil {
		t.Errorf("trusted plugin denied: %v", rpcErr)
	}

	_, rpcErr := r.Dispatch(context.Background(), "co.x.demo", "model.read", nil)
	if rpcErr == nil || rpcErr.Code != CodePermissionDenied {
		t.Errorf("error = %v, want permission denied", rpcErr)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRouter(nil)

	if err := r.Register(&Service{Namespace: "model"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := r.Register(&Service{Namespace: "model"}); !errors.Is(err, ErrDuplicateService) {
		t.Errorf("duplicate register error = %v, want ErrDuplicateService", err)
	}
	if err := r.Register(&Service{Namespace: LifecycleNamespace}); !errors.Is(err, ErrReservedNamespace) {
		t.Errorf("reserved register error = %v, want ErrReservedNamespace", err)
	}

	r.Unregister("model")
	if err := r.Register(&Service{Namespace: "model"}); err != nil {
		t.Errorf("re-register after unregister error: %v", err)
	}
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in     string
		ns     string
		name   string
		wantOK bool
	}{
		{"model.read", "model", "read", true},
		{"ui.panel.show", "ui", "panel.show", true},
		{"nodot", "", "", false},
		{".leading", "", "", false},
		{"trailing.", "", "", false},
	}

	for _, tt := range tests {
		ns, name, ok := SplitMethod(tt.in)
		if ok != tt.wantOK || ns != tt.ns || name != tt.name {
			t.Errorf("SplitMethod(%q) = %q, %q, %v", tt.in, ns, name, ok)
		}
	}
}
