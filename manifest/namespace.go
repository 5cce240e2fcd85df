package manifest

import (
	"fmt"
	"strings"
)

// PackagePath converts a dotted or ::-separated namespace into an internal
// package name: "Demo::Shapes" -> "demo/shapes", "st.demo" -> "st/demo".
// A namespace that is already slash separated is validated and returned
// lower-cased.
func PackagePath(namespace string) (string, error) {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		return "", nil
	}
	ns = strings.ReplaceAll(ns, "::", "/")
	ns = strings.ReplaceAll(ns, ".", "/")
	segs := strings.Split(ns, "/")
	for i, seg := range segs {
		if !validSegment(seg) {
			return "", fmt.Errorf("invalid namespace segment %q in %q", seg, namespace)
		}
		segs[i] = toSnake(seg)
	}
	pkg := strings.Join(segs, "/")
	if IsReservedPackage(pkg) {
		return "", fmt.Errorf("namespace %q maps into reserved package %q", namespace, pkg)
	}
	return pkg, nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r == '-', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// toSnake lower-cases a segment, splitting camel humps with underscores:
// "MyApp" -> "my_app", "my-app" -> "my_app".
func toSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r == '-' {
			sb.WriteByte('_')
			continue
		}
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(s[i-1])
			if prev >= 'a' && prev <= 'z' {
				sb.WriteByte('_')
			}
		}
		sb.WriteString(strings.ToLower(string(r)))
	}
	return sb.String()
}

// reservedPackages are owned by the runtime library or the platform.
// Generated classes must not be defined in them.
var reservedPackages = []string{
	"java",
	"javax",
	"st/redline",
}

// IsReservedPackage reports whether pkg is, or lies under, a package
// owned by the runtime or the platform.
func IsReservedPackage(pkg string) bool {
	for _, r := range reservedPackages {
		if pkg == r || strings.HasPrefix(pkg, r+"/") {
			return true
		}
	}
	return false
}
