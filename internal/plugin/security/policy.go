package security

import (
	"fmt"
	"strings"
)

// Defaults holds the host-wide baseline a sandbox policy is derived from.
// Values come from configuration; plugins can only widen them through
// granted permissions, never through the manifest directly.
type Defaults struct {
	// ContentSources are the allowed script/content origins.
	ContentSources []string

	// StyleSources are the allowed style and font origins.
	StyleSources []string

	// ConnectSources are the allowed outbound destinations.
	ConnectSources []string

	// Limits are the default resource ceilings.
	Limits ResourceLimits
}

// DefaultPolicyDefaults returns the packaged baseline: self-only content,
// no outbound network, standard resource limits.
func DefaultPolicyDefaults() Defaults {
	return Defaults{
		ContentSources: []string{"'self'"},
		StyleSources:   []string{"'self'"},
		ConnectSources: []string{"'self'"},
		Limits:         DefaultResourceLimits(),
	}
}

// Policy is the derived set of execution constraints for one plugin
// instance. It is computed from a manifest's permission set plus the
// global defaults, never persisted, and recomputed on host creation.
// Derivation is pure: no side effects, no I/O.
type Policy struct {
	pluginID    string
	permissions map[Permission]bool

	contentSources []string
	styleSources   []string
	connectSources []string

	limits ResourceLimits
}

// NewPolicy derives a sandbox policy from a permission set and defaults.
func NewPolicy(pluginID string, perms []Permission, defaults Defaults) *Policy {
	p := &Policy{
		pluginID:       pluginID,
		permissions:    make(map[Permission]bool, len(perms)),
		contentSources: append([]string(nil), defaults.ContentSources...),
		styleSources:   append([]string(nil), defaults.StyleSources...),
		connectSources: append([]string(nil), defaults.ConnectSources...),
		limits:         defaults.Limits,
	}

	for _, perm := range perms {
		p.permissions[perm] = true
	}

	// network:external widens the outbound-destination allow-list.
	if p.permissions[PermNetworkExternal] {
		p.connectSources = appendUnique(p.connectSources, "https:", "wss:")
	}

	// UI permissions widen style and font sources for the surface.
	for _, ui := range uiPermissions {
		if p.permissions[ui] {
			p.styleSources = appendUnique(p.styleSources, "'unsafe-inline'", "data:")
			break
		}
	}

	return p
}

// PluginID returns the plugin this policy was derived for.
func (p *Policy) PluginID() string {
	return p.pluginID
}

// PermissionGranted returns true if the permission is held.
func (p *Policy) PermissionGranted(perm Permission) bool {
	return p.permissions[perm]
}

// Permissions returns all granted permissions.
func (p *Policy) Permissions() []Permission {
	perms := make([]Permission, 0, len(p.permissions))
	for perm := range p.permissions {
		perms = append(perms, perm)
	}
	return perms
}

// NamespaceAuthorized reports whether the plugin may call into the given
// API namespace. A namespace with no explicit requirement is authorized by
// default; one with requirements is authorized iff the plugin holds at
// least one of them.
func (p *Policy) NamespaceAuthorized(pluginID, namespace string) bool {
	if pluginID != p.pluginID {
		return false
	}

	required, ok := namespaceRequirements[namespace]
	if !ok {
		return true
	}

	for _, perm := range required {
		if p.permissions[perm] {
			return true
		}
	}
	return false
}

// CheckNamespace returns a capability error if the namespace is not
// authorized.
func (p *Policy) CheckNamespace(pluginID, namespace string) error {
	if p.NamespaceAuthorized(pluginID, namespace) {
		return nil
	}

	required := namespaceRequirements[namespace]
	var perm Permission
	if len(required) > 0 {
		perm = required[0]
	}
	return NewCapabilityError(perm, fmt.Sprintf("namespace %q", namespace), "not granted")
}

// ContentSecurityPolicy renders the content-restriction rules as a CSP
// policy string for the windowed surface.
func (p *Policy) ContentSecurityPolicy() string {
	var b strings.Builder
	b.WriteString("default-src ")
	b.WriteString(strings.Join(p.contentSources, " "))
	b.WriteString("; style-src ")
	b.WriteString(strings.Join(p.styleSources, " "))
	b.WriteString("; connect-src ")
	b.WriteString(strings.Join(p.connectSources, " "))
	return b.String()
}

// ConnectSources returns the outbound-destination allow-list.
func (p *Policy) ConnectSources() []string {
	return append([]string(nil), p.connectSources...)
}

// Limits returns the resource ceilings for this plugin instance.
func (p *Policy) Limits() ResourceLimits {
	return p.limits
}

// RequiresWindow returns true if the permission set contributes UI and
// therefore needs a windowed host.
func (p *Policy) RequiresWindow() bool {
	for _, ui := range uiPermissions {
		if p.permissions[ui] {
			return true
		}
	}
	return false
}

// appendUnique appends values not already present.
func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
