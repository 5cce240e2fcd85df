package codegen

import (
	"fmt"
	"math"

	"github.com/chazu/redgen/classfile"
)

// Runtime members the lowered code calls.
const (
	performName     = "perform"
	temporaryAtName = "temporaryAt"
	argumentAtName  = "argumentAt"
	resolveName     = "resolveObject"
)

const stringDesc = "Ljava/lang/String;"

// lowerSends turns the unit's sends into instructions in the open entry.
//
// The receiver pushed on entry is the initial current value. A send whose
// receiver is Previous consumes the current value; any other receiver
// discards it and loads its own. Arguments follow, then the selector, and
// perform leaves the result as the new current value. closeEntry returns
// whatever is current, so an empty body answers the receiver.
func lowerSends(w *Writer) error {
	m := w.entry
	if m == nil || w.state != StateEntryOpen {
		return newError(DuplicateEntry, w.unit.Name, fmt.Errorf("no open entry to lower sends into"))
	}
	for i, s := range w.unit.Sends {
		arity, err := Arity(s.Selector)
		if err != nil {
			return newError(InvalidSend, w.unit.Name, fmt.Errorf("send %d: %w", i, err))
		}
		if arity != len(s.Args) {
			return newError(InvalidSend, w.unit.Name,
				fmt.Errorf("send %d: %s takes %d arguments, got %d", i, s.Selector, arity, len(s.Args)))
		}
		if s.Receiver.Kind != OperandPrevious {
			m.Emit(classfile.OpPop)
			if err := w.loadOperand(m, s.Receiver); err != nil {
				return newError(InvalidSend, w.unit.Name, fmt.Errorf("send %d receiver: %w", i, err))
			}
		}
		for j, arg := range s.Args {
			if arg.Kind == OperandPrevious {
				return newError(InvalidSend, w.unit.Name,
					fmt.Errorf("send %d argument %d: prev is only valid as a receiver", i, j))
			}
			if err := w.loadOperand(m, arg); err != nil {
				return newError(InvalidSend, w.unit.Name, fmt.Errorf("send %d argument %d: %w", i, j, err))
			}
		}
		m.PushString(s.Selector)
		m.InvokeVirtual(w.objectName, performName, w.performDesc(len(s.Args)))
	}
	if err := m.Err(); err != nil {
		return fmt.Errorf("codegen: %s: lower sends: %w", w.unit.Name, err)
	}
	return nil
}

// performDesc is (ObjectRef x argc, String) -> ObjectRef.
func (w *Writer) performDesc(argc int) string {
	params := make([]string, 0, argc+1)
	for i := 0; i < argc; i++ {
		params = append(params, w.objectDesc())
	}
	params = append(params, stringDesc)
	return classfile.MethodDesc(w.objectDesc(), params...)
}

func (w *Writer) loadOperand(m *classfile.Method, o Operand) error {
	obj := w.objectDesc()
	switch o.Kind {
	case OperandSelf:
		m.LoadLocal(receiverSlot)
	case OperandContext:
		m.LoadLocal(contextSlot)
	case OperandTemp, OperandArg:
		if o.Index < 0 {
			return fmt.Errorf("negative index %d", o.Index)
		}
		if o.Index > math.MaxInt32 {
			return fmt.Errorf("index %d out of range", o.Index)
		}
		name := temporaryAtName
		if o.Kind == OperandArg {
			name = argumentAtName
		}
		m.LoadLocal(contextSlot)
		m.PushInt(int32(o.Index))
		m.InvokeVirtual(w.ctxName, name, classfile.MethodDesc(obj, "I"))
	case OperandNil:
		m.GetStatic(w.objectName, "NIL", obj)
	case OperandTrue:
		m.GetStatic(w.objectName, "TRUE", obj)
	case OperandFalse:
		m.GetStatic(w.objectName, "FALSE", obj)
	case OperandInt:
		m.PushInt(o.Int)
		m.InvokeStatic(w.objectName, "number", classfile.MethodDesc(obj, "I"))
	case OperandString:
		m.PushString(o.Text)
		m.InvokeStatic(w.objectName, "string", classfile.MethodDesc(obj, stringDesc))
	case OperandSymbol:
		m.PushString(o.Text)
		m.InvokeStatic(w.objectName, "symbol", classfile.MethodDesc(obj, stringDesc))
	case OperandGlobal:
		m.LoadLocal(receiverSlot)
		m.PushString(o.Text)
		m.InvokeVirtual(w.objectName, resolveName, classfile.MethodDesc(obj, stringDesc))
	case OperandBlock:
		b := w.unit.Block(o.Text)
		if b == nil {
			return fmt.Errorf("no block %q in %s", o.Text, w.unit.Name)
		}
		if b.Kind != NestedBlock {
			return fmt.Errorf("block %q is a %s, only nested blocks are values", o.Text, b.Kind)
		}
		// new Block(context): the closure keeps the creating context alive.
		m.New(b.InternalName())
		m.Emit(classfile.OpDup)
		m.LoadLocal(contextSlot)
		m.InvokeSpecial(b.InternalName(), "<init>", classfile.MethodDesc("", w.contextDesc()))
	default:
		return fmt.Errorf("unknown operand kind %d", o.Kind)
	}
	return nil
}
