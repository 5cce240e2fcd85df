package codegen

import (
	"fmt"

	"github.com/chazu/redgen/classfile"
)

// strategy holds the unit-kind specific hooks of the template. There is one
// strategy for methods and one shared by both block flavors.
type strategy struct {
	name            string
	touchesRegistry bool

	superclass        func(Kind) Role
	constructor       func(*Writer) error
	addClassToImports func(*Writer) error
	registerPackage   func(*Writer) error
	openEntryMethod   func(*Writer) error
	emitMessageSends  func(*Writer) error
	deregisterPackage func(*Writer) error
}

var methodStrategy = &strategy{
	name:              "method",
	touchesRegistry:   true,
	superclass:        func(Kind) Role { return RoleMethod },
	constructor:       defaultConstructor,
	addClassToImports: methodAddClassToImports,
	registerPackage:   methodRegisterPackage,
	openEntryMethod:   methodOpenEntry,
	emitMessageSends:  lowerSends,
	deregisterPackage: methodDeregisterPackage,
}

// Blocks share their enclosing method's package registration, so the
// import and package hooks do nothing.
var blockStrategy = &strategy{
	name:              "block",
	superclass:        blockSuperclass,
	constructor:       blockConstructor,
	addClassToImports: noop,
	registerPackage:   noop,
	openEntryMethod:   blockOpenEntry,
	emitMessageSends:  lowerSends,
	deregisterPackage: noop,
}

var strategies = map[Kind]*strategy{
	TopLevelMethod: methodStrategy,
	MethodBlock:    blockStrategy,
	NestedBlock:    blockStrategy,
}

// Superclass returns the base type role a unit of kind k extends. It is a
// pure function of the kind.
func Superclass(k Kind) (Role, error) {
	s, ok := strategies[k]
	if !ok {
		return 0, newError(InvalidUnitKind, "", fmt.Errorf("no superclass rule for %s", k))
	}
	return s.superclass(k), nil
}

func noop(*Writer) error { return nil }

// ---------------------------------------------------------------------------
// Block hooks
// ---------------------------------------------------------------------------

// blockSuperclass: a method block is the method itself and needs no
// closure machinery. Nested blocks always take the closure base, even when
// they capture nothing.
func blockSuperclass(k Kind) Role {
	if k == MethodBlock {
		return RoleObject
	}
	return RoleClosure
}

func blockConstructor(w *Writer) error {
	if w.unit.Kind == MethodBlock {
		return defaultConstructor(w)
	}
	// Nested blocks hand the outer context to the closure base.
	m, err := w.emitter.OpenMethod(classfile.AccPublic, "<init>", classfile.MethodDesc("", w.contextDesc()))
	if err != nil {
		return newError(DuplicateEntry, w.unit.Name, err)
	}
	m.LoadLocal(thisSlot)
	m.LoadLocal(1)
	m.InvokeSpecial(w.superName, "<init>", classfile.MethodDesc("", w.contextDesc()))
	m.Emit(classfile.OpReturn)
	return w.emitter.CloseMethod()
}

// blockOpenEntry opens only the uniform invocation entry. Blocks are
// invoked by reference, never addressed by selector.
func blockOpenEntry(w *Writer) error {
	return w.openInvoke()
}

// ---------------------------------------------------------------------------
// Method hooks
// ---------------------------------------------------------------------------

func defaultConstructor(w *Writer) error {
	m, err := w.emitter.OpenMethod(classfile.AccPublic, "<init>", "()V")
	if err != nil {
		return newError(DuplicateEntry, w.unit.Name, err)
	}
	m.LoadLocal(thisSlot)
	m.InvokeSpecial(w.superName, "<init>", "()V")
	m.Emit(classfile.OpReturn)
	return w.emitter.CloseMethod()
}

func methodAddClassToImports(w *Writer) error {
	if !w.env.Imports.Add(w.unit.Package, w.unit.InternalName()) {
		log.Warningf("class %s recorded twice in imports", w.unit.InternalName())
	}
	return nil
}

func methodRegisterPackage(w *Writer) error {
	if w.registered {
		return newError(DuplicateEntry, w.unit.Name, fmt.Errorf("package %q already registered", w.unit.Package))
	}
	created, err := w.env.Packages.Register(w.unit.Package)
	if err != nil {
		return fmt.Errorf("codegen: %s: register package: %w", w.unit.Name, err)
	}
	w.registered = true
	if created {
		log.Debugf("package %q registered by %s", w.unit.Package, w.unit.Name)
	}
	return nil
}

func methodDeregisterPackage(w *Writer) error {
	if !w.registered {
		return newError(DuplicateEntry, w.unit.Name, fmt.Errorf("package %q not registered", w.unit.Package))
	}
	w.registered = false
	removed, err := w.env.Packages.Deregister(w.unit.Package)
	if err != nil {
		return fmt.Errorf("codegen: %s: deregister package: %w", w.unit.Name, err)
	}
	if removed {
		log.Debugf("package %q released by %s", w.unit.Package, w.unit.Name)
	}
	return nil
}

// methodOpenEntry emits the selector-dispatch entry, which builds a context
// over the receiver and arguments and delegates to invoke, then opens
// invoke itself for the lowered body.
func methodOpenEntry(w *Writer) error {
	if w.state != StateHeaderOpen {
		return newError(DuplicateEntry, w.unit.Name,
			fmt.Errorf("%s opened in state %s", SendMessagesName, w.state))
	}
	arity, err := Arity(w.unit.Selector)
	if err != nil {
		return newError(InvalidUnitKind, w.unit.Name, err)
	}
	m, err := w.emitter.OpenMethod(classfile.AccPublic, SendMessagesName, w.sendMessagesDesc(arity))
	if err != nil {
		return newError(DuplicateEntry, w.unit.Name, err)
	}
	w.entries = append(w.entries, SendMessagesName)

	m.LoadLocal(receiverSlot)

	// context := new Context(receiver)
	m.New(w.ctxName)
	m.Emit(classfile.OpDup)
	m.LoadLocal(receiverSlot)
	m.InvokeSpecial(w.ctxName, "<init>", classfile.MethodDesc("", w.objectDesc()))
	for i := 0; i < arity; i++ {
		m.Emit(classfile.OpDup)
		m.PushInt(int32(i))
		m.LoadLocal(receiverSlot + 1 + i)
		m.InvokeVirtual(w.ctxName, "argumentAtPut", classfile.MethodDesc("", "I", w.objectDesc()))
	}

	// Slide this beneath receiver and context for the call to invoke.
	m.LoadLocal(thisSlot)
	m.Emit(classfile.OpDupX2)
	m.Emit(classfile.OpPop)
	m.InvokeVirtual(w.unit.InternalName(), InvokeName, w.invokeDesc())
	m.Emit(classfile.OpAreturn)
	if err := w.emitter.CloseMethod(); err != nil {
		return fmt.Errorf("codegen: %s: close %s: %w", w.unit.Name, SendMessagesName, err)
	}
	return w.openInvoke()
}
