package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Access flags.
const (
	AccPublic    uint16 = 0x0001
	AccPrivate   uint16 = 0x0002
	AccProtected uint16 = 0x0004
	AccStatic    uint16 = 0x0008
	AccFinal     uint16 = 0x0010
	AccSuper     uint16 = 0x0020
)

// Class file header values. Version 49 predates stack map frames, which the
// straight-line code produced here does not need.
const (
	Magic        uint32 = 0xCAFEBABE
	MajorVersion uint16 = 49
	MinorVersion uint16 = 0
)

// Emitter errors.
var (
	ErrMethodOpen     = errors.New("classfile: a method is already open")
	ErrNoMethod       = errors.New("classfile: no method is open")
	ErrSealed         = errors.New("classfile: class is sealed")
	ErrStackUnderflow = errors.New("classfile: operand stack underflow")
)

// ---------------------------------------------------------------------------
// Emitter: builds one class
// ---------------------------------------------------------------------------

// Emitter appends methods to a single class and serializes it. It is not
// safe for concurrent use.
type Emitter struct {
	pool       *ConstantPool
	access     uint16
	name       string
	superName  string
	sourceFile string
	methods    []*Method
	current    *Method
	sealed     bool
	data       []byte
}

// NewEmitter starts a class with the given access flags, internal name and
// superclass internal name.
func NewEmitter(access uint16, name, superName string) *Emitter {
	return &Emitter{
		pool:      NewConstantPool(),
		access:    access,
		name:      name,
		superName: superName,
	}
}

// Name returns the internal name of the class being built.
func (e *Emitter) Name() string { return e.name }

// SuperName returns the internal name of the superclass.
func (e *Emitter) SuperName() string { return e.superName }

// Pool returns the class's constant pool.
func (e *Emitter) Pool() *ConstantPool { return e.pool }

// SetSourceFile records a SourceFile attribute.
func (e *Emitter) SetSourceFile(name string) {
	e.sourceFile = name
}

// Current returns the open method, or nil.
func (e *Emitter) Current() *Method { return e.current }

// OpenMethod starts a method body. Only one method may be open at a time.
func (e *Emitter) OpenMethod(access uint16, name, desc string) (*Method, error) {
	if e.sealed {
		return nil, ErrSealed
	}
	if e.current != nil {
		return nil, fmt.Errorf("%w: %s while %s is open", ErrMethodOpen, name, e.current.name)
	}
	sig, err := ParseMethodDesc(desc)
	if err != nil {
		return nil, err
	}
	locals := sig.ParamSlots
	if access&AccStatic == 0 {
		locals++
	}
	m := &Method{
		owner:     e,
		access:    access,
		name:      name,
		desc:      desc,
		maxLocals: locals,
	}
	e.current = m
	return m, nil
}

// CloseMethod finishes the open method and records it in the class.
func (e *Emitter) CloseMethod() error {
	m := e.current
	if m == nil {
		return ErrNoMethod
	}
	e.current = nil
	if m.err != nil {
		return fmt.Errorf("method %s%s: %w", m.name, m.desc, m.err)
	}
	if len(m.code) == 0 {
		return fmt.Errorf("method %s%s: empty body", m.name, m.desc)
	}
	m.closed = true
	e.methods = append(e.methods, m)
	return nil
}

// Methods returns the closed methods in emission order.
func (e *Emitter) Methods() []*Method {
	return e.methods
}

// Bytes serializes the class. The first call seals the emitter; later
// calls return the same bytes.
func (e *Emitter) Bytes() ([]byte, error) {
	if e.sealed {
		return e.data, nil
	}
	if e.current != nil {
		return nil, fmt.Errorf("%w: %s", ErrMethodOpen, e.current.name)
	}

	// Resolve every pool index before the pool is written.
	thisIdx := e.pool.Class(e.name)
	superIdx := e.pool.Class(e.superName)
	codeIdx := e.pool.Utf8("Code")
	var sourceIdx, sourceNameIdx uint16
	if e.sourceFile != "" {
		sourceIdx = e.pool.Utf8("SourceFile")
		sourceNameIdx = e.pool.Utf8(e.sourceFile)
	}
	type methodIdx struct{ name, desc uint16 }
	idx := make([]methodIdx, len(e.methods))
	for i, m := range e.methods {
		idx[i] = methodIdx{e.pool.Utf8(m.name), e.pool.Utf8(m.desc)}
	}
	if err := e.pool.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 512)
	buf = binary.BigEndian.AppendUint32(buf, Magic)
	buf = binary.BigEndian.AppendUint16(buf, MinorVersion)
	buf = binary.BigEndian.AppendUint16(buf, MajorVersion)
	buf = e.pool.appendTo(buf)
	buf = binary.BigEndian.AppendUint16(buf, e.access)
	buf = binary.BigEndian.AppendUint16(buf, thisIdx)
	buf = binary.BigEndian.AppendUint16(buf, superIdx)
	buf = binary.BigEndian.AppendUint16(buf, 0) // interfaces
	buf = binary.BigEndian.AppendUint16(buf, 0) // fields

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.methods)))
	for i, m := range e.methods {
		buf = binary.BigEndian.AppendUint16(buf, m.access)
		buf = binary.BigEndian.AppendUint16(buf, idx[i].name)
		buf = binary.BigEndian.AppendUint16(buf, idx[i].desc)
		buf = binary.BigEndian.AppendUint16(buf, 1) // attributes: Code
		buf = binary.BigEndian.AppendUint16(buf, codeIdx)
		buf = binary.BigEndian.AppendUint32(buf, uint32(12+len(m.code)))
		buf = binary.BigEndian.AppendUint16(buf, uint16(m.maxStack))
		buf = binary.BigEndian.AppendUint16(buf, uint16(m.maxLocals))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.code)))
		buf = append(buf, m.code...)
		buf = binary.BigEndian.AppendUint16(buf, 0) // exception table
		buf = binary.BigEndian.AppendUint16(buf, 0) // code attributes
	}

	if e.sourceFile != "" {
		buf = binary.BigEndian.AppendUint16(buf, 1)
		buf = binary.BigEndian.AppendUint16(buf, sourceIdx)
		buf = binary.BigEndian.AppendUint32(buf, 2)
		buf = binary.BigEndian.AppendUint16(buf, sourceNameIdx)
	} else {
		buf = binary.BigEndian.AppendUint16(buf, 0)
	}

	e.sealed = true
	e.data = buf
	return buf, nil
}

// ---------------------------------------------------------------------------
// Method: one code body
// ---------------------------------------------------------------------------

// Method accumulates the code of one method and tracks operand stack depth.
type Method struct {
	owner     *Emitter
	access    uint16
	name      string
	desc      string
	code      []byte
	depth     int
	maxStack  int
	maxLocals int
	closed    bool
	err       error
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Desc returns the method descriptor.
func (m *Method) Desc() string { return m.desc }

// Access returns the method access flags.
func (m *Method) Access() uint16 { return m.access }

// Code returns the emitted code bytes.
func (m *Method) Code() []byte { return m.code }

// Depth returns the current operand stack depth.
func (m *Method) Depth() int { return m.depth }

// MaxStack returns the deepest operand stack seen so far.
func (m *Method) MaxStack() int { return m.maxStack }

// MaxLocals returns the number of local slots the method needs.
func (m *Method) MaxLocals() int { return m.maxLocals }

// Err returns the first emission error recorded for this method.
func (m *Method) Err() error { return m.err }

func (m *Method) adjust(delta int) {
	if m.err != nil {
		return
	}
	m.depth += delta
	if m.depth < 0 {
		m.err = fmt.Errorf("%w at offset %d", ErrStackUnderflow, len(m.code))
		return
	}
	if m.depth > m.maxStack {
		m.maxStack = m.depth
	}
}

func (m *Method) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

// Emit appends an opcode that takes no operands.
func (m *Method) Emit(op Opcode) {
	info := op.Info()
	if !op.Known() || info.OperandBytes != 0 || info.StackEffect == Variable {
		m.fail(fmt.Errorf("classfile: %s needs operands", op))
		return
	}
	m.code = append(m.code, byte(op))
	m.adjust(info.StackEffect)
}

func (m *Method) emitU16(op Opcode, operand uint16, effect int) {
	m.code = append(m.code, byte(op))
	m.code = binary.BigEndian.AppendUint16(m.code, operand)
	m.adjust(effect)
}

// LoadLocal pushes a reference from a local slot.
func (m *Method) LoadLocal(slot int) {
	switch {
	case slot >= 0 && slot <= 3:
		m.Emit(OpAload0 + Opcode(slot))
	case slot <= 0xFF:
		m.code = append(m.code, byte(OpAload), byte(slot))
		m.adjust(1)
	default:
		m.fail(fmt.Errorf("classfile: local slot %d out of range", slot))
		return
	}
	m.touchLocal(slot)
}

// StoreLocal pops a reference into a local slot.
func (m *Method) StoreLocal(slot int) {
	switch {
	case slot >= 0 && slot <= 3:
		m.Emit(OpAstore0 + Opcode(slot))
	case slot <= 0xFF:
		m.code = append(m.code, byte(OpAstore), byte(slot))
		m.adjust(-1)
	default:
		m.fail(fmt.Errorf("classfile: local slot %d out of range", slot))
		return
	}
	m.touchLocal(slot)
}

func (m *Method) touchLocal(slot int) {
	if slot+1 > m.maxLocals {
		m.maxLocals = slot + 1
	}
}

// PushInt pushes an int constant using the shortest encoding.
func (m *Method) PushInt(v int32) {
	switch {
	case v == -1:
		m.Emit(OpIconstM1)
	case v >= 0 && v <= 5:
		m.Emit(OpIconst0 + Opcode(v))
	case v >= -128 && v <= 127:
		m.code = append(m.code, byte(OpBipush), byte(int8(v)))
		m.adjust(1)
	case v >= -32768 && v <= 32767:
		m.emitU16(OpSipush, uint16(int16(v)), 1)
	default:
		m.ldc(m.owner.pool.Integer(v))
	}
}

// PushString pushes a java.lang.String constant.
func (m *Method) PushString(s string) {
	m.ldc(m.owner.pool.String(s))
}

func (m *Method) ldc(idx uint16) {
	if idx <= 0xFF {
		m.code = append(m.code, byte(OpLdc), byte(idx))
		m.adjust(1)
		return
	}
	m.emitU16(OpLdcW, idx, 1)
}

// New allocates an uninitialized instance of class.
func (m *Method) New(class string) {
	m.emitU16(OpNew, m.owner.pool.Class(class), 1)
}

// Checkcast casts the top of stack to class.
func (m *Method) Checkcast(class string) {
	m.emitU16(OpCheckcast, m.owner.pool.Class(class), 0)
}

// GetStatic pushes a static field.
func (m *Method) GetStatic(owner, name, desc string) {
	slots, err := FieldSlots(desc)
	if err != nil {
		m.fail(err)
		return
	}
	m.emitU16(OpGetstatic, m.owner.pool.Fieldref(owner, name, desc), slots)
}

// InvokeVirtual calls an instance method; the receiver and arguments must
// already be on the stack.
func (m *Method) InvokeVirtual(owner, name, desc string) {
	m.invoke(OpInvokevirtual, owner, name, desc, 1)
}

// InvokeSpecial calls a constructor, private or super method.
func (m *Method) InvokeSpecial(owner, name, desc string) {
	m.invoke(OpInvokespecial, owner, name, desc, 1)
}

// InvokeStatic calls a static method.
func (m *Method) InvokeStatic(owner, name, desc string) {
	m.invoke(OpInvokestatic, owner, name, desc, 0)
}

func (m *Method) invoke(op Opcode, owner, name, desc string, receiver int) {
	sig, err := ParseMethodDesc(desc)
	if err != nil {
		m.fail(err)
		return
	}
	if m.err == nil && m.depth < sig.ParamSlots+receiver {
		m.fail(fmt.Errorf("%w: %s.%s needs %d operands, have %d",
			ErrStackUnderflow, owner, name, sig.ParamSlots+receiver, m.depth))
		return
	}
	m.emitU16(op, m.owner.pool.Methodref(owner, name, desc), sig.ReturnSlots-sig.ParamSlots-receiver)
}
