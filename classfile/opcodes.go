package classfile

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single JVM instruction. Only the subset the unit writers emit
// is defined here.
type Opcode byte

// Constants
const (
	OpAconstNull Opcode = 0x01
	OpIconstM1   Opcode = 0x02
	OpIconst0    Opcode = 0x03
	OpIconst1    Opcode = 0x04
	OpIconst2    Opcode = 0x05
	OpIconst3    Opcode = 0x06
	OpIconst4    Opcode = 0x07
	OpIconst5    Opcode = 0x08
	OpBipush     Opcode = 0x10
	OpSipush     Opcode = 0x11
	OpLdc        Opcode = 0x12
	OpLdcW       Opcode = 0x13
)

// Locals
const (
	OpAload   Opcode = 0x19
	OpAload0  Opcode = 0x2a
	OpAload1  Opcode = 0x2b
	OpAload2  Opcode = 0x2c
	OpAload3  Opcode = 0x2d
	OpAstore  Opcode = 0x3a
	OpAstore0 Opcode = 0x4b
	OpAstore1 Opcode = 0x4c
	OpAstore2 Opcode = 0x4d
	OpAstore3 Opcode = 0x4e
)

// Stack
const (
	OpPop   Opcode = 0x57
	OpDup   Opcode = 0x59
	OpDupX1 Opcode = 0x5a
	OpDupX2 Opcode = 0x5b
	OpSwap  Opcode = 0x5f
)

// Returns
const (
	OpAreturn Opcode = 0xb0
	OpReturn  Opcode = 0xb1
)

// References
const (
	OpGetstatic     Opcode = 0xb2
	OpGetfield      Opcode = 0xb4
	OpInvokevirtual Opcode = 0xb6
	OpInvokespecial Opcode = 0xb7
	OpInvokestatic  Opcode = 0xb8
	OpNew           Opcode = 0xbb
	OpCheckcast     Opcode = 0xc0
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Variable marks an opcode whose stack effect depends on its operand
// (a method or field descriptor).
const Variable = -100

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // mnemonic
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack, or Variable
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpAconstNull: {"aconst_null", 0, 1},
	OpIconstM1:   {"iconst_m1", 0, 1},
	OpIconst0:    {"iconst_0", 0, 1},
	OpIconst1:    {"iconst_1", 0, 1},
	OpIconst2:    {"iconst_2", 0, 1},
	OpIconst3:    {"iconst_3", 0, 1},
	OpIconst4:    {"iconst_4", 0, 1},
	OpIconst5:    {"iconst_5", 0, 1},
	OpBipush:     {"bipush", 1, 1},
	OpSipush:     {"sipush", 2, 1},
	OpLdc:        {"ldc", 1, 1},
	OpLdcW:       {"ldc_w", 2, 1},

	OpAload:   {"aload", 1, 1},
	OpAload0:  {"aload_0", 0, 1},
	OpAload1:  {"aload_1", 0, 1},
	OpAload2:  {"aload_2", 0, 1},
	OpAload3:  {"aload_3", 0, 1},
	OpAstore:  {"astore", 1, -1},
	OpAstore0: {"astore_0", 0, -1},
	OpAstore1: {"astore_1", 0, -1},
	OpAstore2: {"astore_2", 0, -1},
	OpAstore3: {"astore_3", 0, -1},

	OpPop:   {"pop", 0, -1},
	OpDup:   {"dup", 0, 1},
	OpDupX1: {"dup_x1", 0, 1},
	OpDupX2: {"dup_x2", 0, 1},
	OpSwap:  {"swap", 0, 0},

	OpAreturn: {"areturn", 0, -1},
	OpReturn:  {"return", 0, 0},

	OpGetstatic:     {"getstatic", 2, Variable},
	OpGetfield:      {"getfield", 2, Variable},
	OpInvokevirtual: {"invokevirtual", 2, Variable},
	OpInvokespecial: {"invokespecial", 2, Variable},
	OpInvokestatic:  {"invokestatic", 2, Variable},
	OpNew:           {"new", 2, 1},
	OpCheckcast:     {"checkcast", 2, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Known reports whether the opcode is in the supported subset.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}
