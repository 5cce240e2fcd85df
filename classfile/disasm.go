package classfile

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Instruction is one decoded instruction. Operand is a readable rendering
// of the operand, with pool references resolved.
type Instruction struct {
	Offset  int
	Op      Opcode
	Operand string
}

// String renders the instruction in javap style.
func (in Instruction) String() string {
	if in.Operand == "" {
		return fmt.Sprintf("%4d: %s", in.Offset, in.Op)
	}
	return fmt.Sprintf("%4d: %s %s", in.Offset, in.Op, in.Operand)
}

// Decode decodes a method's code against the class's constant pool.
func (c *ClassInfo) Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pos := 0; pos < len(code); {
		op := Opcode(code[pos])
		if !op.Known() {
			return out, fmt.Errorf("classfile: unknown opcode 0x%02x at %d", byte(op), pos)
		}
		n := op.Info().OperandBytes
		if pos+1+n > len(code) {
			return out, fmt.Errorf("classfile: %s at %d: %w", op, pos, ErrTruncated)
		}
		operand, err := c.renderOperand(op, code[pos+1:pos+1+n])
		if err != nil {
			return out, fmt.Errorf("classfile: %s at %d: %w", op, pos, err)
		}
		out = append(out, Instruction{Offset: pos, Op: op, Operand: operand})
		pos += 1 + n
	}
	return out, nil
}

func (c *ClassInfo) renderOperand(op Opcode, raw []byte) (string, error) {
	switch op {
	case OpBipush:
		return fmt.Sprintf("%d", int8(raw[0])), nil
	case OpSipush:
		return fmt.Sprintf("%d", int16(binary.BigEndian.Uint16(raw))), nil
	case OpAload, OpAstore:
		return fmt.Sprintf("%d", raw[0]), nil
	case OpLdc:
		return c.renderLoadable(uint16(raw[0]))
	case OpLdcW:
		return c.renderLoadable(binary.BigEndian.Uint16(raw))
	case OpNew, OpCheckcast:
		return c.ClassName(binary.BigEndian.Uint16(raw))
	case OpGetstatic, OpGetfield, OpInvokevirtual, OpInvokespecial, OpInvokestatic:
		owner, name, desc, err := c.MemberRef(binary.BigEndian.Uint16(raw))
		if err != nil {
			return "", err
		}
		return owner + "." + name + ":" + desc, nil
	}
	return "", nil
}

func (c *ClassInfo) renderLoadable(idx uint16) (string, error) {
	if idx == 0 || int(idx) >= len(c.Pool) {
		return "", fmt.Errorf("pool index %d out of range", idx)
	}
	k := c.Pool[idx]
	switch k.Tag {
	case TagInteger:
		return fmt.Sprintf("%d", k.Int), nil
	case TagString:
		s, err := c.Utf8(k.Ref1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%q", s), nil
	}
	return "", fmt.Errorf("pool index %d is not loadable", idx)
}

// Disassemble renders every method of the class.
func (c *ClassInfo) Disassemble() (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "class %s extends %s\n", c.Name, c.SuperName)
	for _, m := range c.Methods {
		fmt.Fprintf(&sb, "\n  %s%s  access=0x%04x stack=%d locals=%d\n",
			m.Name, m.Descriptor, m.Access, m.MaxStack, m.MaxLocals)
		insns, err := c.Decode(m.Code)
		if err != nil {
			return sb.String(), err
		}
		for _, in := range insns {
			sb.WriteString("  ")
			sb.WriteString(in.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}
