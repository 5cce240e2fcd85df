// Package bundle packages the output of one compilation run as a
// content-addressed CBOR document: every sealed class with its hash, and the
// import table recorded by method units, grouped by package.
package bundle

import (
	"crypto/sha256"
	"sort"

	"github.com/chazu/redgen/codegen"
	"github.com/chazu/redgen/registry"
)

// FormatVersion is the bundle format version.
const FormatVersion = 1

// Bundle is the handoff from code generation to packaging.
type Bundle struct {
	Version  int       `cbor:"1,keyasint"`
	RunID    string    `cbor:"2,keyasint"`
	Runtime  Runtime   `cbor:"3,keyasint"`
	Packages []Package `cbor:"4,keyasint"`
}

// Runtime records the base types the classes were linked against.
type Runtime struct {
	Method  string `cbor:"1,keyasint"`
	Object  string `cbor:"2,keyasint"`
	Closure string `cbor:"3,keyasint"`
	Context string `cbor:"4,keyasint"`
}

// Package groups the classes generated into one package.
type Package struct {
	Name    string   `cbor:"1,keyasint"`
	Imports []string `cbor:"2,keyasint,omitempty"` // classes recorded by method units
	Classes []Class  `cbor:"3,keyasint"`
}

// Class is one sealed class.
type Class struct {
	Name       string   `cbor:"1,keyasint"`
	Kind       string   `cbor:"2,keyasint"`
	Superclass string   `cbor:"3,keyasint"`
	Entries    []string `cbor:"4,keyasint"`
	Hash       [32]byte `cbor:"5,keyasint"`
	Bytes      []byte   `cbor:"6,keyasint"`
}

// New builds a bundle. Packages and classes are sorted by name so that the
// same run always encodes to the same bytes.
func New(runID string, rt *codegen.Runtime, classes []*codegen.Class, imports *registry.Imports) *Bundle {
	b := &Bundle{Version: FormatVersion, RunID: runID}
	if rt != nil {
		b.Runtime = Runtime{Method: rt.Method, Object: rt.Object, Closure: rt.Closure, Context: rt.Context}
	}

	byPkg := make(map[string]*Package)
	pkgFor := func(name string) *Package {
		p, ok := byPkg[name]
		if !ok {
			p = &Package{Name: name}
			byPkg[name] = p
		}
		return p
	}
	for _, c := range classes {
		p := pkgFor(c.Package)
		p.Classes = append(p.Classes, Class{
			Name:       c.Name,
			Kind:       c.Kind.String(),
			Superclass: c.Superclass,
			Entries:    append([]string(nil), c.Entries...),
			Hash:       c.Hash(),
			Bytes:      c.Bytes,
		})
	}
	if imports != nil {
		for _, name := range imports.Packages() {
			pkgFor(name).Imports = imports.Classes(name)
		}
	}

	names := make([]string, 0, len(byPkg))
	for n := range byPkg {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		p := byPkg[n]
		sort.Slice(p.Classes, func(i, j int) bool { return p.Classes[i].Name < p.Classes[j].Name })
		b.Packages = append(b.Packages, *p)
	}
	return b
}

// Package returns the named package, or nil.
func (b *Bundle) Package(name string) *Package {
	for i := range b.Packages {
		if b.Packages[i].Name == name {
			return &b.Packages[i]
		}
	}
	return nil
}

// Class returns the named class in the package, or nil.
func (p *Package) Class(name string) *Class {
	for i := range p.Classes {
		if p.Classes[i].Name == name {
			return &p.Classes[i]
		}
	}
	return nil
}

// Len returns the number of classes across all packages.
func (b *Bundle) Len() int {
	n := 0
	for _, p := range b.Packages {
		n += len(p.Classes)
	}
	return n
}

// Verify checks every class's bytes against its recorded hash.
func (b *Bundle) Verify() error {
	for _, p := range b.Packages {
		for _, c := range p.Classes {
			if sha256.Sum256(c.Bytes) != c.Hash {
				return &HashMismatchError{Package: p.Name, Class: c.Name}
			}
		}
	}
	return nil
}

// HashMismatchError reports a class whose bytes do not match its hash.
type HashMismatchError struct {
	Package string
	Class   string
}

func (e *HashMismatchError) Error() string {
	return "bundle: hash mismatch for " + qualified(e.Package, e.Class)
}

func qualified(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "/" + name
}
