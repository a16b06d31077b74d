package channel

import (
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/millwright-cad/millwright/internal/plugin/security"
)

// sandbox locks a Lua state down to the plugin's granted permissions.
// Only whitelisted built-in modules and host-preloaded modules can be
// required; io and os are injected in reduced form and only when the
// matching permission was granted.
type sandbox struct {
	L      *lua.LState
	policy *security.Policy
}

func newSandbox(L *lua.LState, policy *security.Policy) *sandbox {
	return &sandbox{L: L, policy: policy}
}

// install applies the restrictions. Must run before any plugin code.
func (s *sandbox) install() {
	// Code loading primitives would bypass the whitelist.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()

	if s.policy.PermissionGranted(security.PermFileRead) {
		s.injectFileRead()
	}
	if s.policy.PermissionGranted(security.PermFileWrite) {
		s.injectFileWrite()
	}
}

// installSafeRequire clears package.path/cpath so nothing loads from
// disk, then replaces require with a whitelist. Host modules arrive via
// PreloadModule under the millwright namespace.
func (s *sandbox) installSafeRequire() {
	pkg := s.L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))

		safeLoaded := map[string]bool{
			"_G": true, "string": true, "table": true, "math": true,
			"package": true,
		}
		if loadedTbl, ok := s.L.GetField(pkgTable, "loaded").(*lua.LTable); ok {
			var stale []string
			loadedTbl.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					stale = append(stale, string(ks))
				}
			})
			for _, key := range stale {
				loadedTbl.RawSetString(key, lua.LNil)
			}
		}
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		allowed := safeModules[modName] ||
			modName == "millwright" ||
			strings.HasPrefix(modName, "millwright.")

		if !allowed && modName == "io" {
			if !s.policy.PermissionGranted(security.PermFileRead) &&
				!s.policy.PermissionGranted(security.PermFileWrite) {
				L.RaiseError("module 'io' requires a file permission")
			}
			allowed = true
		}

		if !allowed {
			L.RaiseError("module %q is not available", modName)
			return 0
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// injectFileRead exposes a read-only io surface.
func (s *sandbox) injectFileRead() {
	ioMod := s.ioTable()

	s.L.SetField(ioMod, "readfile", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		content, err := os.ReadFile(filename)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(content))
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		content, err := os.ReadFile(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}

		lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
		idx := 0
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if idx >= len(lines) {
				return 0
			}
			L.Push(lua.LString(strings.TrimSuffix(lines[idx], "\r")))
			idx++
			return 1
		}))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// injectFileWrite extends the io surface with writes.
func (s *sandbox) injectFileWrite() {
	ioMod := s.ioTable()

	s.L.SetField(ioMod, "writefile", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		content := L.CheckString(2)
		if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

func (s *sandbox) ioTable() *lua.LTable {
	if t, ok := s.L.GetGlobal("io").(*lua.LTable); ok {
		return t
	}
	return s.L.NewTable()
}
