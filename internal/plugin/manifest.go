// Package plugin implements the plugin runtime: manifest model, per-plugin
// host state machine, host factory, registry, and lifecycle manager.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/millwright-cad/millwright/internal/plugin/security"
)

// Manifest describes an installed plugin: identity, entry point,
// requested permissions, contributions, and dependency edges. Immutable
// once installed except through an explicit update.
type Manifest struct {
	// ID is the unique identifier, reverse-domain style
	// (e.g. "co.example.chamfer-wizard").
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	// Main is the relative path to the entry module.
	Main string `json:"main"`

	// Permissions is the fixed capability set, granted at install time.
	Permissions []security.Permission `json:"permissions,omitempty"`

	// Contributes declares the UI and command surface the plugin adds.
	Contributes *Contributions `json:"contributes,omitempty"`

	// Dependencies maps required plugin ids to version ranges.
	Dependencies map[string]string `json:"dependencies,omitempty"`

	// Configuration declares the plugin's settings schema.
	Configuration map[string]ConfigProperty `json:"configuration,omitempty"`

	// path is the plugin bundle directory, set on load.
	path string
}

// Contributions declares what a plugin adds to the product surface.
type Contributions struct {
	Commands []CommandContribution `json:"commands,omitempty"`
	Sidebars []PanelContribution   `json:"sidebars,omitempty"`
	Panels   []PanelContribution   `json:"panels,omitempty"`
	Menus    []MenuContribution    `json:"menus,omitempty"`
	Themes   []ThemeContribution   `json:"themes,omitempty"`
}

// CommandContribution declares a command the plugin provides.
type CommandContribution struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
}

// PanelContribution declares a sidebar or property panel.
type PanelContribution struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

// MenuContribution declares a menu item.
type MenuContribution struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Group   string `json:"group,omitempty"`
}

// ThemeContribution declares a theme the plugin ships.
type ThemeContribution struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Path  string `json:"path"`
}

// ConfigProperty describes one configuration option.
type ConfigProperty struct {
	Type        string   `json:"type"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// ValidationResult reports manifest validation. Malformed content never
// returns a Go error; it accumulates here instead.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func (r ValidationResult) String() string {
	if r.Valid {
		return "valid"
	}
	return strings.Join(r.Errors, "; ")
}

var idPattern = regexp.MustCompile(`^[a-z0-9-_.]+$`)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// ValidateManifest checks a manifest against the schema and returns the
// accumulated findings. A nil manifest is programmer misuse and panics.
func ValidateManifest(m *Manifest) ValidationResult {
	if m == nil {
		panic("plugin: ValidateManifest called with nil manifest")
	}

	var errs []string
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if m.ID == "" {
		addf("id is required")
	} else if !idPattern.MatchString(m.ID) {
		addf("id %q must match [a-z0-9-_.]+", m.ID)
	}

	if m.Version == "" {
		addf("version is required")
	} else if !semverPattern.MatchString(m.Version) {
		addf("version %q is not valid semver", m.Version)
	}

	if m.Name == "" {
		addf("name is required")
	}

	for _, perm := range m.Permissions {
		if !security.IsValidPermission(perm) {
			addf("unknown permission %q", perm)
		}
	}

	for depID, rng := range m.Dependencies {
		if !idPattern.MatchString(depID) {
			addf("dependency id %q must match [a-z0-9-_.]+", depID)
		}
		if _, err := parseVersionRange(rng); err != nil {
			addf("dependency %q: %v", depID, err)
		}
	}

	if m.Contributes != nil {
		for i, cmd := range m.Contributes.Commands {
			if cmd.ID == "" {
				addf("contributes.commands[%d]: id is required", i)
			}
			if cmd.Title == "" {
				addf("contributes.commands[%d]: title is required", i)
			}
		}
		for i, panel := range append(append([]PanelContribution(nil), m.Contributes.Sidebars...), m.Contributes.Panels...) {
			if panel.ID == "" {
				addf("contributes panel [%d]: id is required", i)
			}
		}
		for i, menu := range m.Contributes.Menus {
			if menu.Command == "" {
				addf("contributes.menus[%d]: command is required", i)
			}
		}
		for i, theme := range m.Contributes.Themes {
			if theme.Path == "" {
				addf("contributes.themes[%d]: path is required", i)
			}
		}
	}

	for name, prop := range m.Configuration {
		if prop.Type != "" && !validConfigTypes[prop.Type] {
			addf("configuration %q has invalid type %q", name, prop.Type)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// LoadManifest parses and validates manifest JSON. Structural shape is
// checked before unmarshalling so type mismatches produce a validation
// error rather than a json decode failure.
func LoadManifest(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid json", ErrInvalidManifest)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level must be an object", ErrInvalidManifest)
	}
	if perms := root.Get("permissions"); perms.Exists() && !perms.IsArray() {
		return nil, fmt.Errorf("%w: permissions must be an array of strings", ErrInvalidManifest)
	}
	if deps := root.Get("dependencies"); deps.Exists() && !deps.IsObject() {
		return nil, fmt.Errorf("%w: dependencies must be an object", ErrInvalidManifest)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	m.applyDefaults()

	if result := ValidateManifest(&m); !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, result)
	}
	return &m, nil
}

// LoadManifestFile loads plugin.json from a bundle directory or a direct
// manifest path.
func LoadManifestFile(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, "plugin.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m, err := LoadManifest(data)
	if err != nil {
		return nil, err
	}
	m.path = filepath.Dir(path)
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
}

// HasPermission returns true if the manifest requests the permission.
func (m *Manifest) HasPermission(perm security.Permission) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Path returns the plugin bundle directory.
func (m *Manifest) Path() string {
	return m.path
}

// SetPath records the bundle directory for manifests built in memory.
func (m *Manifest) SetPath(dir string) {
	m.path = dir
}

// MainPath returns the full path to the entry module.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.ID, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Permissions != nil {
		clone.Permissions = append([]security.Permission(nil), m.Permissions...)
	}
	if m.Dependencies != nil {
		clone.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			clone.Dependencies[k] = v
		}
	}
	if m.Configuration != nil {
		clone.Configuration = make(map[string]ConfigProperty, len(m.Configuration))
		for k, v := range m.Configuration {
			clone.Configuration[k] = v
		}
	}
	if m.Contributes != nil {
		c := *m.Contributes
		c.Commands = append([]CommandContribution(nil), m.Contributes.Commands...)
		c.Sidebars = append([]PanelContribution(nil), m.Contributes.Sidebars...)
		c.Panels = append([]PanelContribution(nil), m.Contributes.Panels...)
		c.Menus = append([]MenuContribution(nil), m.Contributes.Menus...)
		c.Themes = append([]ThemeContribution(nil), m.Contributes.Themes...)
		clone.Contributes = &c
	}

	return &clone
}
