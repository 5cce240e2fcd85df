package codegen

import (
	"fmt"
	"strings"
)

// Kind classifies a compilation unit. Only these three variants exist.
type Kind uint8

const (
	KindInvalid Kind = iota
	// TopLevelMethod is a method body compiled as its own class.
	TopLevelMethod
	// MethodBlock is the single block that makes up a method's whole body.
	// It is compiled as if it were the method.
	MethodBlock
	// NestedBlock is a block literal inside another unit. It can be passed
	// around, invoked later and may capture enclosing variables.
	NestedBlock
)

var kindNames = map[Kind]string{
	TopLevelMethod: "TopLevelMethod",
	MethodBlock:    "MethodBlock",
	NestedBlock:    "NestedBlock",
}

// String implements the Stringer interface.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsBlock reports whether k is one of the block flavors.
func (k Kind) IsBlock() bool {
	return k == MethodBlock || k == NestedBlock
}

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return KindInvalid, newError(InvalidUnitKind, s, fmt.Errorf("unknown unit kind %q", s))
}

// Unit is one method or block scheduled for class generation.
type Unit struct {
	Name      string // class name, unique within Package
	Package   string // internal package name, slash separated
	Kind      Kind
	Enclosing *Unit // lexically containing unit; nil for top-level methods

	Selector string // declared selector, top-level methods only
	Sends    []Send // finalized message sends to lower
	Blocks   []*Unit
	Source   string // optional source file name

	nextBlock int // block counter, used on the root of a method tree
}

// NewMethod creates a top-level method unit.
func NewMethod(pkg, name, selector string) *Unit {
	return &Unit{
		Name:     name,
		Package:  pkg,
		Kind:     TopLevelMethod,
		Selector: selector,
	}
}

// Root returns the top-level unit of u's tree.
func (u *Unit) Root() *Unit {
	r := u
	for r.Enclosing != nil {
		r = r.Enclosing
	}
	return r
}

// AddMethodBlock attaches the block that forms this method's body.
func (u *Unit) AddMethodBlock() *Unit {
	return u.addBlock(MethodBlock)
}

// AddBlock attaches a nested block literal to u.
func (u *Unit) AddBlock() *Unit {
	return u.addBlock(NestedBlock)
}

// addBlock names children <parent>$block<N>, numbering across the whole
// method tree so that names stay unique in the package.
func (u *Unit) addBlock(kind Kind) *Unit {
	root := u.Root()
	b := &Unit{
		Name:      fmt.Sprintf("%s$block%d", u.Name, root.nextBlock),
		Package:   u.Package,
		Kind:      kind,
		Enclosing: u,
		Source:    u.Source,
	}
	root.nextBlock++
	u.Blocks = append(u.Blocks, b)
	return b
}

// Send appends a message send to u's body and returns u.
func (u *Unit) Send(receiver Operand, selector string, args ...Operand) *Unit {
	u.Sends = append(u.Sends, Send{Receiver: receiver, Selector: selector, Args: args})
	return u
}

// InternalName returns the class's slash-separated qualified name.
func (u *Unit) InternalName() string {
	return internalName(u.Package, u.Name)
}

func internalName(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "/" + name
}

// Block returns the direct child block with the given name, or nil.
func (u *Unit) Block(name string) *Unit {
	for _, b := range u.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Walk visits u and its blocks depth first, parents before children.
// Returning an error stops the walk.
func (u *Unit) Walk(fn func(*Unit) error) error {
	if err := fn(u); err != nil {
		return err
	}
	for _, b := range u.Blocks {
		if err := b.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the unit's own shape. It does not descend into blocks.
func (u *Unit) Validate() error {
	if u == nil {
		return newError(InvalidUnitKind, "", fmt.Errorf("nil unit"))
	}
	if _, ok := kindNames[u.Kind]; !ok {
		return newError(InvalidUnitKind, u.Name, fmt.Errorf("unrecognized kind %s", u.Kind))
	}
	if u.Name == "" {
		return newError(InvalidUnitKind, u.Name, fmt.Errorf("unit has no name"))
	}
	if strings.ContainsAny(u.Name, "/.;[") {
		return newError(InvalidUnitKind, u.Name, fmt.Errorf("illegal character in class name"))
	}
	top := u.Kind == TopLevelMethod
	if top != (u.Enclosing == nil) {
		if top {
			return newError(InvalidUnitKind, u.Name, fmt.Errorf("top-level method has an enclosing unit"))
		}
		return newError(InvalidUnitKind, u.Name, fmt.Errorf("%s has no enclosing unit", u.Kind))
	}
	switch u.Kind {
	case TopLevelMethod:
		if _, err := Arity(u.Selector); err != nil {
			return newError(InvalidUnitKind, u.Name, err)
		}
		if n := u.methodBlocks(); n > 1 {
			return newError(InvalidUnitKind, u.Name, fmt.Errorf("%d method blocks, a method has at most one", n))
		}
	case MethodBlock:
		if u.Enclosing.Kind != TopLevelMethod {
			return newError(InvalidUnitKind, u.Name,
				fmt.Errorf("method block enclosed by %s, want %s", u.Enclosing.Kind, TopLevelMethod))
		}
		if n := u.Enclosing.methodBlocks(); n > 1 {
			return newError(InvalidUnitKind, u.Name,
				fmt.Errorf("%s has %d method blocks, want one", u.Enclosing.Name, n))
		}
	}
	if !top && u.Package != u.Enclosing.Package {
		return newError(InvalidUnitKind, u.Name,
			fmt.Errorf("block package %q differs from enclosing package %q", u.Package, u.Enclosing.Package))
	}
	return nil
}

func (u *Unit) methodBlocks() int {
	n := 0
	for _, b := range u.Blocks {
		if b.Kind == MethodBlock {
			n++
		}
	}
	return n
}

// Arity returns the number of arguments a selector takes: zero for unary,
// one for binary, and one per colon for keyword selectors.
func Arity(selector string) (int, error) {
	if selector == "" {
		return 0, fmt.Errorf("empty selector")
	}
	if n := strings.Count(selector, ":"); n > 0 {
		if !strings.HasSuffix(selector, ":") {
			return 0, fmt.Errorf("malformed keyword selector %q", selector)
		}
		for _, part := range strings.Split(strings.TrimSuffix(selector, ":"), ":") {
			if !isIdentifier(part) {
				return 0, fmt.Errorf("malformed keyword selector %q", selector)
			}
		}
		return n, nil
	}
	if isIdentifier(selector) {
		return 0, nil
	}
	for _, r := range selector {
		if !strings.ContainsRune(binaryChars, r) {
			return 0, fmt.Errorf("malformed selector %q", selector)
		}
	}
	return 1, nil
}

const binaryChars = "+-*/\\<>=~@%|&?,"

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
