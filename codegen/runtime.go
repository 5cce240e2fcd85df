package codegen

import "fmt"

// Role names a runtime base type the generator depends on.
type Role uint8

const (
	// RoleMethod is the root method-bearing base type.
	RoleMethod Role = iota
	// RoleObject is the lightweight object base type.
	RoleObject
	// RoleClosure is the closure-capable block base type.
	RoleClosure
	// RoleContext is the activation context type.
	RoleContext
)

var roleNames = [...]string{"method", "object", "closure", "context"}

// String implements the Stringer interface.
func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Runtime describes the runtime library generated classes link against:
// the internal names of the designated base types and, optionally, the
// catalog of classes the library actually ships.
type Runtime struct {
	Method  string
	Object  string
	Closure string
	Context string

	// Classes, when non-empty, is the set of classes known to exist in the
	// runtime library. Designated types missing from it do not resolve.
	Classes map[string]bool
}

// DefaultRuntime returns the Redline runtime layout.
func DefaultRuntime() *Runtime {
	return &Runtime{
		Method:  "st/redline/PrimObject",
		Object:  "st/redline/PrimObject",
		Closure: "st/redline/PrimObjectBlock",
		Context: "st/redline/PrimContext",
	}
}

// Resolve returns the internal name designated for role.
func (rt *Runtime) Resolve(role Role) (string, error) {
	var name string
	switch role {
	case RoleMethod:
		name = rt.Method
	case RoleObject:
		name = rt.Object
	case RoleClosure:
		name = rt.Closure
	case RoleContext:
		name = rt.Context
	default:
		return "", fmt.Errorf("unknown runtime role %s", role)
	}
	if name == "" {
		return "", fmt.Errorf("no %s type designated in runtime metadata", role)
	}
	if len(rt.Classes) > 0 && !rt.Classes[name] {
		return "", fmt.Errorf("%s type %s not found in runtime library", role, name)
	}
	return name, nil
}
