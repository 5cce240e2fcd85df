package codegen

import (
	"fmt"
	"strconv"
	"strings"
)

// OperandKind says how an operand is loaded onto the operand stack.
type OperandKind uint8

const (
	OperandSelf     OperandKind = iota // the receiver
	OperandContext                     // the current activation context
	OperandPrevious                    // result of the preceding send
	OperandTemp                        // context temporary by index
	OperandArg                         // context argument by index
	OperandNil
	OperandTrue
	OperandFalse
	OperandInt
	OperandString
	OperandSymbol
	OperandGlobal // name resolved through the receiver
	OperandBlock  // a nested block unit, instantiated over the context
)

// Operand is a receiver or argument reference in a message send.
type Operand struct {
	Kind  OperandKind
	Index int    // OperandTemp, OperandArg
	Int   int32  // OperandInt
	Text  string // OperandString, OperandSymbol, OperandGlobal, OperandBlock
}

// Fixed operands.
var (
	Self     = Operand{Kind: OperandSelf}
	Context  = Operand{Kind: OperandContext}
	Previous = Operand{Kind: OperandPrevious}
	NilLit   = Operand{Kind: OperandNil}
	TrueLit  = Operand{Kind: OperandTrue}
	FalseLit = Operand{Kind: OperandFalse}
)

// Temp references the i-th temporary of the current context.
func Temp(i int) Operand { return Operand{Kind: OperandTemp, Index: i} }

// Arg references the i-th argument of the current context.
func Arg(i int) Operand { return Operand{Kind: OperandArg, Index: i} }

// IntLit is an integer literal.
func IntLit(n int32) Operand { return Operand{Kind: OperandInt, Int: n} }

// StringLit is a string literal.
func StringLit(s string) Operand { return Operand{Kind: OperandString, Text: s} }

// SymbolLit is a symbol literal.
func SymbolLit(s string) Operand { return Operand{Kind: OperandSymbol, Text: s} }

// Global references a global by name.
func Global(name string) Operand { return Operand{Kind: OperandGlobal, Text: name} }

// BlockRef references a nested block unit by name.
func BlockRef(name string) Operand { return Operand{Kind: OperandBlock, Text: name} }

// String renders the operand in the form ParseOperand accepts.
func (o Operand) String() string {
	switch o.Kind {
	case OperandSelf:
		return "self"
	case OperandContext:
		return "context"
	case OperandPrevious:
		return "prev"
	case OperandTemp:
		return "temp:" + strconv.Itoa(o.Index)
	case OperandArg:
		return "arg:" + strconv.Itoa(o.Index)
	case OperandNil:
		return "nil"
	case OperandTrue:
		return "true"
	case OperandFalse:
		return "false"
	case OperandInt:
		return "int:" + strconv.Itoa(int(o.Int))
	case OperandString:
		return "str:" + o.Text
	case OperandSymbol:
		return "sym:" + o.Text
	case OperandGlobal:
		return "global:" + o.Text
	case OperandBlock:
		return "block:" + o.Text
	}
	return fmt.Sprintf("operand(%d)", o.Kind)
}

// ParseOperand parses the compact operand notation used by plan files:
// self, context, prev, nil, true, false, temp:N, arg:N, int:N, str:TEXT,
// sym:NAME, global:NAME and block:UNIT.
func ParseOperand(s string) (Operand, error) {
	switch s {
	case "self":
		return Self, nil
	case "context", "thisContext":
		return Context, nil
	case "prev":
		return Previous, nil
	case "nil":
		return NilLit, nil
	case "true":
		return TrueLit, nil
	case "false":
		return FalseLit, nil
	}
	tag, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Operand{}, fmt.Errorf("unknown operand %q", s)
	}
	switch tag {
	case "temp", "arg":
		i, err := strconv.Atoi(rest)
		if err != nil || i < 0 {
			return Operand{}, fmt.Errorf("bad index in operand %q", s)
		}
		if tag == "temp" {
			return Temp(i), nil
		}
		return Arg(i), nil
	case "int":
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return Operand{}, fmt.Errorf("bad integer in operand %q: %w", s, err)
		}
		return IntLit(int32(n)), nil
	case "str":
		return StringLit(rest), nil
	case "sym", "global", "block":
		if rest == "" {
			return Operand{}, fmt.Errorf("empty name in operand %q", s)
		}
		switch tag {
		case "sym":
			return SymbolLit(rest), nil
		case "global":
			return Global(rest), nil
		}
		return BlockRef(rest), nil
	}
	return Operand{}, fmt.Errorf("unknown operand %q", s)
}

// Send is one message send: receiver, selector and ordered arguments.
type Send struct {
	Receiver Operand
	Selector string
	Args     []Operand
}

// String renders the send in Smalltalk-like form.
func (s Send) String() string {
	var sb strings.Builder
	sb.WriteString(s.Receiver.String())
	if len(s.Args) == 0 {
		sb.WriteString(" " + s.Selector)
		return sb.String()
	}
	parts := strings.SplitAfter(s.Selector, ":")
	for i, arg := range s.Args {
		kw := s.Selector
		if i < len(parts) && strings.HasSuffix(parts[i], ":") {
			kw = parts[i]
		}
		sb.WriteString(" " + kw + " " + arg.String())
	}
	return sb.String()
}
