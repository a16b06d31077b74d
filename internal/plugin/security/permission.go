// Package security provides the permission model and sandbox policy
// derivation for the plugin runtime.
package security

import (
	"fmt"
	"strings"
)

// Permission is a capability token a plugin must hold to access a
// host API namespace. The set a plugin holds is fixed at install time.
type Permission string

// Core permissions that plugins can request.
const (
	// PermModelRead allows reading the CAD model document.
	PermModelRead Permission = "model:read"

	// PermModelWrite allows mutating the CAD model document.
	PermModelWrite Permission = "model:write"

	// PermToolpathGenerate allows running toolpath/G-code generation.
	PermToolpathGenerate Permission = "toolpath:generate"

	// PermUISidebar allows contributing a sidebar panel.
	PermUISidebar Permission = "ui:sidebar"

	// PermUIPanel allows contributing a property panel.
	PermUIPanel Permission = "ui:panel"

	// PermUIMenu allows contributing menu items.
	PermUIMenu Permission = "ui:menu"

	// PermUITheme allows contributing themes and styles.
	PermUITheme Permission = "ui:theme"

	// PermFileRead allows reading files from the workspace.
	PermFileRead Permission = "file:read"

	// PermFileWrite allows writing files to the workspace.
	PermFileWrite Permission = "file:write"

	// PermNetworkExternal allows outbound requests to external hosts.
	PermNetworkExternal Permission = "network:external"

	// PermStorageLocal allows plugin-scoped key/value storage.
	PermStorageLocal Permission = "storage:local"

	// PermClipboardRead allows reading the clipboard.
	PermClipboardRead Permission = "clipboard:read"

	// PermClipboardWrite allows writing the clipboard.
	PermClipboardWrite Permission = "clipboard:write"
)

// RiskLevel indicates the security risk of a permission.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// PermissionInfo provides metadata about a permission.
type PermissionInfo struct {
	// Name is the permission identifier.
	Name Permission

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the permission allows.
	Description string

	// RiskLevel indicates how dangerous this permission is.
	RiskLevel RiskLevel

	// RequiresUserApproval indicates if the user must explicitly approve.
	RequiresUserApproval bool
}

// permissionRegistry holds metadata about all known permissions.
var permissionRegistry = map[Permission]PermissionInfo{
	PermModelRead: {
		Name:        PermModelRead,
		DisplayName: "Model Read",
		Description: "Read the open CAD model",
		RiskLevel:   RiskLow,
	},
	PermModelWrite: {
		Name:                 PermModelWrite,
		DisplayName:          "Model Write",
		Description:          "Modify the open CAD model",
		RiskLevel:            RiskMedium,
		RequiresUserApproval: true,
	},
	PermToolpathGenerate: {
		Name:        PermToolpathGenerate,
		DisplayName: "Toolpath Generation",
		Description: "Run toolpath and G-code generation",
		RiskLevel:   RiskMedium,
	},
	PermUISidebar: {
		Name:        PermUISidebar,
		DisplayName: "Sidebar",
		Description: "Contribute a sidebar panel",
		RiskLevel:   RiskLow,
	},
	PermUIPanel: {
		Name:        PermUIPanel,
		DisplayName: "Property Panel",
		Description: "Contribute a property panel",
		RiskLevel:   RiskLow,
	},
	PermUIMenu: {
		Name:        PermUIMenu,
		DisplayName: "Menus",
		Description: "Contribute menu items",
		RiskLevel:   RiskLow,
	},
	PermUITheme: {
		Name:        PermUITheme,
		DisplayName: "Themes",
		Description: "Contribute themes and styles",
		RiskLevel:   RiskLow,
	},
	PermFileRead: {
		Name:        PermFileRead,
		DisplayName: "File Read",
		Description: "Read files from the workspace",
		RiskLevel:   RiskMedium,
	},
	PermFileWrite: {
		Name:                 PermFileWrite,
		DisplayName:          "File Write",
		Description:          "Write files to the workspace",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	PermNetworkExternal: {
		Name:                 PermNetworkExternal,
		DisplayName:          "Network Access",
		Description:          "Make requests to external hosts",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	PermStorageLocal: {
		Name:        PermStorageLocal,
		DisplayName: "Local Storage",
		Description: "Plugin-scoped key/value storage",
		RiskLevel:   RiskLow,
	},
	PermClipboardRead: {
		Name:        PermClipboardRead,
		DisplayName: "Clipboard Read",
		Description: "Read the clipboard",
		RiskLevel:   RiskMedium,
	},
	PermClipboardWrite: {
		Name:        PermClipboardWrite,
		DisplayName: "Clipboard Write",
		Description: "Write the clipboard",
		RiskLevel:   RiskMedium,
	},
}

// uiPermissions are the permissions that contribute rendered UI.
// Holding any of them requires a windowed host.
var uiPermissions = []Permission{
	PermUISidebar,
	PermUIPanel,
	PermUIMenu,
	PermUITheme,
}

// namespaceRequirements maps an API namespace to the permissions that
// authorize it. A namespace with no entry is authorized by default; a
// namespace with an entry requires at least one of the listed permissions.
var namespaceRequirements = map[string][]Permission{
	"model":     {PermModelRead, PermModelWrite},
	"toolpath":  {PermToolpathGenerate},
	"ui":        {PermUISidebar, PermUIPanel, PermUIMenu, PermUITheme},
	"file":      {PermFileRead, PermFileWrite},
	"network":   {PermNetworkExternal},
	"storage":   {PermStorageLocal},
	"clipboard": {PermClipboardRead, PermClipboardWrite},
}

// GetPermissionInfo returns metadata about a permission.
func GetPermissionInfo(p Permission) (PermissionInfo, bool) {
	info, ok := permissionRegistry[p]
	return info, ok
}

// IsValidPermission returns true if the permission is known.
func IsValidPermission(p Permission) bool {
	_, ok := permissionRegistry[p]
	return ok
}

// AllPermissions returns all known permissions.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(permissionRegistry))
	for p := range permissionRegistry {
		perms = append(perms, p)
	}
	return perms
}

// HighRiskPermissions returns permissions that require user approval.
func HighRiskPermissions() []Permission {
	var perms []Permission
	for p, info := range permissionRegistry {
		if info.RequiresUserApproval {
			perms = append(perms, p)
		}
	}
	return perms
}

// IsUIPermission returns true if the permission contributes rendered UI.
func IsUIPermission(p Permission) bool {
	for _, ui := range uiPermissions {
		if p == ui {
			return true
		}
	}
	return false
}

// Namespace returns the namespace portion of a permission token
// (e.g. "model" for "model:read").
func (p Permission) Namespace() string {
	if i := strings.IndexByte(string(p), ':'); i > 0 {
		return string(p)[:i]
	}
	return string(p)
}

// CapabilityError is returned when a permission is not granted.
type CapabilityError struct {
	Permission Permission
	Operation  string
	Message    string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("permission %q required for %s: %s", e.Permission, e.Operation, e.Message)
	}
	return fmt.Sprintf("permission %q: %s", e.Permission, e.Message)
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(p Permission, operation, message string) *CapabilityError {
	return &CapabilityError{
		Permission: p,
		Operation:  operation,
		Message:    message,
	}
}
