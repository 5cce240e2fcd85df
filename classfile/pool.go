package classfile

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Constant pool tags.
const (
	TagUtf8        byte = 1
	TagInteger     byte = 3
	TagClass       byte = 7
	TagString      byte = 8
	TagFieldref    byte = 9
	TagMethodref   byte = 10
	TagNameAndType byte = 12
)

// maxPool is the largest constant pool count the format can express.
const maxPool = 0xFFFF

// ConstantPool accumulates de-duplicated constants. Index 0 is reserved by
// the format, so the first entry is 1.
type ConstantPool struct {
	entries [][]byte
	index   map[string]uint16
	err     error
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{index: make(map[string]uint16)}
}

// Count returns constant_pool_count as written to the class file.
func (p *ConstantPool) Count() int {
	return len(p.entries) + 1
}

// Err returns the first overflow error, if any.
func (p *ConstantPool) Err() error {
	return p.err
}

func (p *ConstantPool) add(key string, entry []byte) uint16 {
	if idx, ok := p.index[key]; ok {
		return idx
	}
	if len(p.entries)+1 >= maxPool {
		if p.err == nil {
			p.err = fmt.Errorf("classfile: constant pool overflow")
		}
		return 0
	}
	p.entries = append(p.entries, entry)
	idx := uint16(len(p.entries))
	p.index[key] = idx
	return idx
}

// Utf8 adds a CONSTANT_Utf8 entry.
func (p *ConstantPool) Utf8(s string) uint16 {
	data := encodeModifiedUTF8(s)
	if len(data) > 0xFFFF {
		if p.err == nil {
			p.err = fmt.Errorf("classfile: string constant too long (%d bytes)", len(data))
		}
		return 0
	}
	entry := make([]byte, 3, 3+len(data))
	entry[0] = TagUtf8
	binary.BigEndian.PutUint16(entry[1:], uint16(len(data)))
	entry = append(entry, data...)
	return p.add("U"+s, entry)
}

// Integer adds a CONSTANT_Integer entry.
func (p *ConstantPool) Integer(v int32) uint16 {
	entry := make([]byte, 5)
	entry[0] = TagInteger
	binary.BigEndian.PutUint32(entry[1:], uint32(v))
	return p.add(fmt.Sprintf("I%d", v), entry)
}

// Class adds a CONSTANT_Class entry for an internal name.
func (p *ConstantPool) Class(internalName string) uint16 {
	return p.add("C"+internalName, p.ref1(TagClass, p.Utf8(internalName)))
}

// String adds a CONSTANT_String entry.
func (p *ConstantPool) String(s string) uint16 {
	return p.add("S"+s, p.ref1(TagString, p.Utf8(s)))
}

// NameAndType adds a CONSTANT_NameAndType entry.
func (p *ConstantPool) NameAndType(name, desc string) uint16 {
	return p.add("N"+name+" "+desc, p.ref2(TagNameAndType, p.Utf8(name), p.Utf8(desc)))
}

// Methodref adds a CONSTANT_Methodref entry.
func (p *ConstantPool) Methodref(owner, name, desc string) uint16 {
	return p.add("M"+owner+"."+name+desc, p.ref2(TagMethodref, p.Class(owner), p.NameAndType(name, desc)))
}

// Fieldref adds a CONSTANT_Fieldref entry.
func (p *ConstantPool) Fieldref(owner, name, desc string) uint16 {
	return p.add("F"+owner+"."+name+":"+desc, p.ref2(TagFieldref, p.Class(owner), p.NameAndType(name, desc)))
}

func (p *ConstantPool) ref1(tag byte, a uint16) []byte {
	entry := []byte{tag, 0, 0}
	binary.BigEndian.PutUint16(entry[1:], a)
	return entry
}

func (p *ConstantPool) ref2(tag byte, a, b uint16) []byte {
	entry := []byte{tag, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(entry[1:], a)
	binary.BigEndian.PutUint16(entry[3:], b)
	return entry
}

func (p *ConstantPool) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Count()))
	for _, e := range p.entries {
		buf = append(buf, e...)
	}
	return buf
}

// encodeModifiedUTF8 encodes s in the class-file variant of UTF-8: NUL is
// two bytes and supplementary characters are written as surrogate pairs.
func encodeModifiedUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			out = appendModifiedRune(out, hi)
			out = appendModifiedRune(out, lo)
			continue
		}
		out = appendModifiedRune(out, r)
	}
	return out
}

func appendModifiedRune(out []byte, r rune) []byte {
	switch {
	case r >= 0x01 && r <= 0x7F:
		return append(out, byte(r))
	case r <= 0x7FF:
		return append(out, byte(0xC0|(r>>6)), byte(0x80|(r&0x3F)))
	default:
		return append(out, byte(0xE0|(r>>12)), byte(0x80|((r>>6)&0x3F)), byte(0x80|(r&0x3F)))
	}
}

// decodeModifiedUTF8 reverses encodeModifiedUTF8.
func decodeModifiedUTF8(data []byte) (string, error) {
	units := make([]uint16, 0, len(data))
	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b&0x80 == 0:
			units = append(units, uint16(b))
			i++
		case b&0xE0 == 0xC0:
			if i+1 >= len(data) {
				return "", fmt.Errorf("classfile: truncated utf8 constant")
			}
			units = append(units, uint16(b&0x1F)<<6|uint16(data[i+1]&0x3F))
			i += 2
		case b&0xF0 == 0xE0:
			if i+2 >= len(data) {
				return "", fmt.Errorf("classfile: truncated utf8 constant")
			}
			units = append(units, uint16(b&0x0F)<<12|uint16(data[i+1]&0x3F)<<6|uint16(data[i+2]&0x3F))
			i += 3
		default:
			return "", fmt.Errorf("classfile: invalid utf8 byte 0x%02x", b)
		}
	}
	return string(utf16.Decode(units)), nil
}
