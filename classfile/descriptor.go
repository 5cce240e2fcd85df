package classfile

import (
	"fmt"
	"strings"
)

// ObjectDesc returns the field descriptor for an internal class name,
// e.g. "st/redline/PrimObject" -> "Lst/redline/PrimObject;".
func ObjectDesc(internalName string) string {
	return "L" + internalName + ";"
}

// MethodDesc builds a method descriptor from parameter and return
// descriptors. An empty ret means void.
func MethodDesc(ret string, params ...string) string {
	if ret == "" {
		ret = "V"
	}
	return "(" + strings.Join(params, "") + ")" + ret
}

// Signature is the slot view of a method descriptor.
type Signature struct {
	ParamSlots  int // operand stack slots consumed by the arguments
	ReturnSlots int // 0 for void, 2 for long/double, 1 otherwise
}

// ParseMethodDesc computes the slot usage of a method descriptor.
func ParseMethodDesc(desc string) (Signature, error) {
	var sig Signature
	if len(desc) == 0 || desc[0] != '(' {
		return sig, fmt.Errorf("classfile: malformed method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		slots, next, err := fieldType(desc, i)
		if err != nil {
			return sig, err
		}
		sig.ParamSlots += slots
		i = next
	}
	if i >= len(desc) {
		return sig, fmt.Errorf("classfile: unterminated parameter list in %q", desc)
	}
	i++
	if i < len(desc) && desc[i] == 'V' {
		if i+1 != len(desc) {
			return sig, fmt.Errorf("classfile: trailing data in %q", desc)
		}
		return sig, nil
	}
	slots, next, err := fieldType(desc, i)
	if err != nil {
		return sig, err
	}
	if next != len(desc) {
		return sig, fmt.Errorf("classfile: trailing data in %q", desc)
	}
	sig.ReturnSlots = slots
	return sig, nil
}

// FieldSlots returns the stack slots occupied by a value of the field type.
func FieldSlots(desc string) (int, error) {
	slots, next, err := fieldType(desc, 0)
	if err != nil {
		return 0, err
	}
	if next != len(desc) {
		return 0, fmt.Errorf("classfile: trailing data in %q", desc)
	}
	return slots, nil
}

// fieldType scans one field type starting at i and returns its slot size
// and the index just past it.
func fieldType(desc string, i int) (int, int, error) {
	if i >= len(desc) {
		return 0, i, fmt.Errorf("classfile: truncated descriptor %q", desc)
	}
	switch desc[i] {
	case 'B', 'C', 'F', 'I', 'S', 'Z':
		return 1, i + 1, nil
	case 'J', 'D':
		return 2, i + 1, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end < 2 {
			return 0, i, fmt.Errorf("classfile: bad object type in %q", desc)
		}
		return 1, i + end + 1, nil
	case '[':
		j := i
		for j < len(desc) && desc[j] == '[' {
			j++
		}
		_, next, err := fieldType(desc, j)
		if err != nil {
			return 0, i, err
		}
		return 1, next, nil
	default:
		return 0, i, fmt.Errorf("classfile: bad type %q in %q", desc[i], desc)
	}
}
