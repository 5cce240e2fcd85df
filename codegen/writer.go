package codegen

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/redgen/classfile"
	"github.com/chazu/redgen/registry"
)

var log = commonlog.GetLogger("redgen.codegen")

// ---------------------------------------------------------------------------
// Generated class
// ---------------------------------------------------------------------------

// Class is a sealed generated class. It is only ever constructed after the
// full template has run, so its bytes are final.
type Class struct {
	Name       string
	Package    string
	Kind       Kind
	Superclass string   // internal name
	Entries    []string // exposed entry methods, in emission order
	Bytes      []byte
}

// InternalName returns the class's slash-separated qualified name.
func (c *Class) InternalName() string {
	return internalName(c.Package, c.Name)
}

// Hash returns the SHA-256 of the class bytes.
func (c *Class) Hash() [32]byte {
	return sha256.Sum256(c.Bytes)
}

// HasEntry reports whether the class exposes the named entry method.
func (c *Class) HasEntry(name string) bool {
	for _, e := range c.Entries {
		if e == name {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Template steps and writer states
// ---------------------------------------------------------------------------

// Step is one stage of the unit template.
type Step uint8

const (
	StepResolveSuperclass Step = iota
	StepOpenHeader
	StepAddImports
	StepRegisterPackage
	StepOpenEntry
	StepEmitSends
	StepCloseEntry
	StepDeregisterPackage
	StepSeal
)

var stepNames = [...]string{
	"resolve-superclass", "open-header", "add-imports", "register-package",
	"open-entry", "emit-sends", "close-entry", "deregister-package", "seal",
}

// String implements the Stringer interface.
func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// State is the writer's position in its lifecycle.
type State uint8

const (
	StateUnopened State = iota
	StateHeaderOpen
	StateEntryOpen
	StateEntryClosed
	StateSealed
	StateFailed
)

var stateNames = [...]string{"unopened", "header-open", "entry-open", "entry-closed", "sealed", "failed"}

// String implements the Stringer interface.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Env holds the collaborators a writer needs. Packages and Imports are
// scoped to one compilation run and shared by every writer in it.
type Env struct {
	Runtime  *Runtime
	Packages *registry.Packages
	Imports  *registry.Imports

	// Trace, if set, is called before each template step.
	Trace func(Step, *Unit)
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// Writer generates the class for exactly one unit. It is not safe for
// concurrent use and can run its template only once.
type Writer struct {
	unit     *Unit
	env      Env
	strategy *strategy
	state    State

	superRole  Role
	superName  string
	objectName string
	ctxName    string

	emitter *classfile.Emitter
	entry   *classfile.Method
	entries []string

	registered bool
	class      *Class
}

// NewWriter creates the writer variant matching unit.Kind.
func NewWriter(unit *Unit, env Env) (*Writer, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}
	s, ok := strategies[unit.Kind]
	if !ok {
		return nil, newError(InvalidUnitKind, unit.Name, fmt.Errorf("no writer for %s", unit.Kind))
	}
	if env.Runtime == nil {
		env.Runtime = DefaultRuntime()
	}
	if s.touchesRegistry && (env.Packages == nil || env.Imports == nil) {
		return nil, fmt.Errorf("codegen: %s: %s writer needs a package registry and import table", unit.Name, s.name)
	}
	return &Writer{unit: unit, env: env, strategy: s}, nil
}

// NewMethodWriter creates a writer for a top-level method unit.
func NewMethodWriter(unit *Unit, env Env) (*Writer, error) {
	if unit != nil && unit.Kind != TopLevelMethod {
		return nil, newError(InvalidUnitKind, unit.Name, fmt.Errorf("method writer given %s", unit.Kind))
	}
	return NewWriter(unit, env)
}

// NewBlockWriter creates a writer for a method block or nested block unit.
func NewBlockWriter(unit *Unit, env Env) (*Writer, error) {
	if unit != nil && !unit.Kind.IsBlock() {
		return nil, newError(InvalidUnitKind, unit.Name, fmt.Errorf("block writer given %s", unit.Kind))
	}
	return NewWriter(unit, env)
}

// Compile is shorthand for NewWriter followed by Writer.Compile.
func Compile(unit *Unit, env Env) (*Class, error) {
	w, err := NewWriter(unit, env)
	if err != nil {
		return nil, err
	}
	return w.Compile()
}

// Unit returns the unit being compiled.
func (w *Writer) Unit() *Unit { return w.unit }

// State returns the writer's lifecycle state.
func (w *Writer) State() State { return w.state }

// Superclass returns the base type role chosen for the unit.
func (w *Writer) Superclass() Role { return w.strategy.superclass(w.unit.Kind) }

// Class returns the sealed class, or nil before Compile succeeds.
func (w *Writer) Class() *Class { return w.class }

type templateStep struct {
	step Step
	run  func(*Writer) error
}

// template is the fixed step order. The receiver is pushed in StepOpenEntry
// before any send is lowered, and package registration brackets the entry
// method so diagnostics see a registered package.
var template = [...]templateStep{
	{StepResolveSuperclass, (*Writer).resolveSuperclass},
	{StepOpenHeader, (*Writer).openHeader},
	{StepAddImports, func(w *Writer) error { return w.strategy.addClassToImports(w) }},
	{StepRegisterPackage, (*Writer).registerPackage},
	{StepOpenEntry, (*Writer).openEntry},
	{StepEmitSends, func(w *Writer) error { return w.strategy.emitMessageSends(w) }},
	{StepCloseEntry, (*Writer).closeEntry},
	{StepDeregisterPackage, (*Writer).deregisterPackage},
	{StepSeal, (*Writer).seal},
}

// Compile runs the template and returns the sealed class. A writer compiles
// once: any later call fails with DuplicateEntry, as does a call after a
// failed run.
func (w *Writer) Compile() (*Class, error) {
	if w.state != StateUnopened {
		return nil, newError(DuplicateEntry, w.unit.Name,
			fmt.Errorf("compile called in state %s", w.state))
	}
	for _, ts := range template {
		if w.env.Trace != nil {
			w.env.Trace(ts.step, w.unit)
		}
		log.Debugf("%s %s: %s", w.unit.Kind, w.unit.InternalName(), ts.step)
		if err := ts.run(w); err != nil {
			return nil, w.abort(ts.step, err)
		}
	}
	return w.class, nil
}

// abort marks the writer failed and releases any package registration so
// the registry is not leaked by a failed unit.
func (w *Writer) abort(step Step, err error) error {
	w.state = StateFailed
	w.emitter = nil
	w.entry = nil
	if w.registered {
		if derr := w.strategy.deregisterPackage(w); derr != nil {
			err = errors.Join(err, fmt.Errorf("codegen: %s: release package after failure: %w", w.unit.Name, derr))
		}
	}
	log.Debugf("%s %s: failed at %s: %v", w.unit.Kind, w.unit.InternalName(), step, err)
	return err
}

// transition moves the state machine along one legal edge.
func (w *Writer) transition(from, to State) error {
	if w.state != from {
		return newError(DuplicateEntry, w.unit.Name,
			fmt.Errorf("cannot move to %s from %s (expected %s)", to, w.state, from))
	}
	w.state = to
	return nil
}

func (w *Writer) resolveSuperclass() error {
	rt := w.env.Runtime
	w.superRole = w.strategy.superclass(w.unit.Kind)
	var err error
	if w.superName, err = rt.Resolve(w.superRole); err != nil {
		return newError(UnresolvedSuperclass, w.unit.Name, err)
	}
	if w.objectName, err = rt.Resolve(RoleObject); err != nil {
		return newError(UnresolvedSuperclass, w.unit.Name, err)
	}
	if w.ctxName, err = rt.Resolve(RoleContext); err != nil {
		return newError(UnresolvedSuperclass, w.unit.Name, err)
	}
	return nil
}

func (w *Writer) openHeader() error {
	if err := w.transition(StateUnopened, StateHeaderOpen); err != nil {
		return err
	}
	w.emitter = classfile.NewEmitter(classfile.AccPublic|classfile.AccSuper, w.unit.InternalName(), w.superName)
	if w.unit.Source != "" {
		w.emitter.SetSourceFile(w.unit.Source)
	}
	return w.strategy.constructor(w)
}

func (w *Writer) registerPackage() error {
	return w.strategy.registerPackage(w)
}

func (w *Writer) deregisterPackage() error {
	return w.strategy.deregisterPackage(w)
}

func (w *Writer) openEntry() error {
	if err := w.strategy.openEntryMethod(w); err != nil {
		return err
	}
	if w.entry == nil {
		return newError(DuplicateEntry, w.unit.Name, fmt.Errorf("entry hook opened no method"))
	}
	if code := w.entry.Code(); len(code) != 1 || classfile.Opcode(code[0]) != classfile.OpAload1 {
		return fmt.Errorf("codegen: %s: entry method must start with a receiver load", w.unit.Name)
	}
	return nil
}

// openInvoke opens the uniform invocation entry and pushes the receiver.
func (w *Writer) openInvoke() error {
	if err := w.transition(StateHeaderOpen, StateEntryOpen); err != nil {
		return err
	}
	m, err := w.emitter.OpenMethod(classfile.AccProtected, InvokeName, w.invokeDesc())
	if err != nil {
		return newError(DuplicateEntry, w.unit.Name, err)
	}
	w.entry = m
	w.entries = append(w.entries, InvokeName)
	w.pushReceiver()
	return nil
}

func (w *Writer) pushReceiver() {
	w.entry.LoadLocal(receiverSlot)
}

func (w *Writer) closeEntry() error {
	if err := w.transition(StateEntryOpen, StateEntryClosed); err != nil {
		return err
	}
	w.entry.Emit(classfile.OpAreturn)
	w.entry = nil
	if err := w.emitter.CloseMethod(); err != nil {
		return fmt.Errorf("codegen: %s: close %s: %w", w.unit.Name, InvokeName, err)
	}
	return nil
}

func (w *Writer) seal() error {
	if err := w.transition(StateEntryClosed, StateSealed); err != nil {
		return err
	}
	data, err := w.emitter.Bytes()
	if err != nil {
		return fmt.Errorf("codegen: %s: seal: %w", w.unit.Name, err)
	}
	w.class = &Class{
		Name:       w.unit.Name,
		Package:    w.unit.Package,
		Kind:       w.unit.Kind,
		Superclass: w.superName,
		Entries:    append([]string(nil), w.entries...),
		Bytes:      data,
	}
	w.emitter = nil
	return nil
}

// ---------------------------------------------------------------------------
// Calling convention
// ---------------------------------------------------------------------------

// Entry method names.
const (
	InvokeName       = "invoke"
	SendMessagesName = "sendMessages"
)

// Local slots of the invocation entry: this, receiver, context.
const (
	thisSlot     = 0
	receiverSlot = 1
	contextSlot  = 2
)

func (w *Writer) objectDesc() string { return classfile.ObjectDesc(w.objectName) }

func (w *Writer) contextDesc() string { return classfile.ObjectDesc(w.ctxName) }

// invokeDesc is (ReceiverRef, ContextRef) -> ObjectRef.
func (w *Writer) invokeDesc() string {
	return classfile.MethodDesc(w.objectDesc(), w.objectDesc(), w.contextDesc())
}

// sendMessagesDesc takes the receiver plus one object per selector argument.
func (w *Writer) sendMessagesDesc(arity int) string {
	params := make([]string, arity+1)
	for i := range params {
		params[i] = w.objectDesc()
	}
	return classfile.MethodDesc(w.objectDesc(), params...)
}
