package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when class bytes end early.
var ErrTruncated = errors.New("classfile: truncated class data")

// Constant is a decoded constant pool entry. Unused fields are zero.
type Constant struct {
	Tag  byte
	Str  string // Utf8 value
	Int  int32  // Integer value
	Ref1 uint16 // Class/String name index, or ref class index
	Ref2 uint16 // NameAndType / ref name-and-type index
}

// MethodInfo is a decoded method with its Code attribute.
type MethodInfo struct {
	Access     uint16
	Name       string
	Descriptor string
	MaxStack   int
	MaxLocals  int
	Code       []byte
}

// ClassInfo is the structured view of a class file.
type ClassInfo struct {
	Major, Minor uint16
	Pool         []Constant // index 0 unused
	Access       uint16
	Name         string
	SuperName    string
	Methods      []MethodInfo
	SourceFile   string
}

// Method returns the method with the given name, or nil.
func (c *ClassInfo) Method(name string) *MethodInfo {
	for i := range c.Methods {
		if c.Methods[i].Name == name {
			return &c.Methods[i]
		}
	}
	return nil
}

// ClassName resolves a CONSTANT_Class index to its internal name.
func (c *ClassInfo) ClassName(idx uint16) (string, error) {
	k, err := c.constant(idx, TagClass)
	if err != nil {
		return "", err
	}
	return c.Utf8(k.Ref1)
}

// Utf8 resolves a CONSTANT_Utf8 index.
func (c *ClassInfo) Utf8(idx uint16) (string, error) {
	k, err := c.constant(idx, TagUtf8)
	if err != nil {
		return "", err
	}
	return k.Str, nil
}

// MemberRef resolves a Methodref or Fieldref into owner, name and
// descriptor.
func (c *ClassInfo) MemberRef(idx uint16) (owner, name, desc string, err error) {
	if int(idx) >= len(c.Pool) || idx == 0 {
		return "", "", "", fmt.Errorf("classfile: pool index %d out of range", idx)
	}
	k := c.Pool[idx]
	if k.Tag != TagMethodref && k.Tag != TagFieldref {
		return "", "", "", fmt.Errorf("classfile: pool index %d is not a member ref", idx)
	}
	if owner, err = c.ClassName(k.Ref1); err != nil {
		return
	}
	nt, err := c.constant(k.Ref2, TagNameAndType)
	if err != nil {
		return
	}
	if name, err = c.Utf8(nt.Ref1); err != nil {
		return
	}
	desc, err = c.Utf8(nt.Ref2)
	return
}

func (c *ClassInfo) constant(idx uint16, tag byte) (Constant, error) {
	if idx == 0 || int(idx) >= len(c.Pool) {
		return Constant{}, fmt.Errorf("classfile: pool index %d out of range", idx)
	}
	k := c.Pool[idx]
	if k.Tag != tag {
		return Constant{}, fmt.Errorf("classfile: pool index %d has tag %d, want %d", idx, k.Tag, tag)
	}
	return k, nil
}

// classReader walks the raw bytes.
type classReader struct {
	data []byte
	pos  int
	err  error
}

func (r *classReader) u8() byte {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.err = ErrTruncated
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *classReader) u16() uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *classReader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *classReader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		r.err = ErrTruncated
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}

// Parse decodes a class file produced by Emitter. Attributes other than
// Code and SourceFile are skipped.
func Parse(data []byte) (*ClassInfo, error) {
	r := &classReader{data: data}
	if magic := r.u32(); r.err == nil && magic != Magic {
		return nil, fmt.Errorf("classfile: bad magic 0x%08x", magic)
	}
	c := &ClassInfo{}
	c.Minor = r.u16()
	c.Major = r.u16()

	count := int(r.u16())
	c.Pool = make([]Constant, 1, max(count, 1))
	for i := 1; i < count && r.err == nil; i++ {
		k := Constant{Tag: r.u8()}
		switch k.Tag {
		case TagUtf8:
			n := int(r.u16())
			s, err := decodeModifiedUTF8(r.bytes(n))
			if err != nil {
				return nil, err
			}
			k.Str = s
		case TagInteger:
			k.Int = int32(r.u32())
		case TagClass, TagString:
			k.Ref1 = r.u16()
		case TagFieldref, TagMethodref, TagNameAndType:
			k.Ref1 = r.u16()
			k.Ref2 = r.u16()
		default:
			if r.err == nil {
				return nil, fmt.Errorf("classfile: unsupported constant tag %d at index %d", k.Tag, i)
			}
		}
		c.Pool = append(c.Pool, k)
	}
	if r.err != nil {
		return nil, r.err
	}

	c.Access = r.u16()
	thisIdx := r.u16()
	superIdx := r.u16()
	if r.err != nil {
		return nil, r.err
	}
	var err error
	if c.Name, err = c.ClassName(thisIdx); err != nil {
		return nil, err
	}
	if c.SuperName, err = c.ClassName(superIdx); err != nil {
		return nil, err
	}

	r.bytes(2 * int(r.u16())) // interfaces
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		r.u16()
		r.u16()
		r.u16()
		skipAttributes(r)
	}

	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		m := MethodInfo{Access: r.u16()}
		nameIdx, descIdx := r.u16(), r.u16()
		if r.err != nil {
			break
		}
		if m.Name, err = c.Utf8(nameIdx); err != nil {
			return nil, err
		}
		if m.Descriptor, err = c.Utf8(descIdx); err != nil {
			return nil, err
		}
		for a := int(r.u16()); a > 0 && r.err == nil; a-- {
			attrName, err := c.Utf8(r.u16())
			if err != nil {
				return nil, err
			}
			body := r.bytes(int(r.u32()))
			if attrName != "Code" || r.err != nil {
				continue
			}
			cr := &classReader{data: body}
			m.MaxStack = int(cr.u16())
			m.MaxLocals = int(cr.u16())
			m.Code = cr.bytes(int(cr.u32()))
			if cr.err != nil {
				return nil, fmt.Errorf("classfile: method %s: %w", m.Name, cr.err)
			}
		}
		c.Methods = append(c.Methods, m)
	}

	for a := int(r.u16()); a > 0 && r.err == nil; a-- {
		attrName, err := c.Utf8(r.u16())
		if err != nil {
			return nil, err
		}
		body := r.bytes(int(r.u32()))
		if attrName == "SourceFile" && len(body) == 2 {
			if c.SourceFile, err = c.Utf8(binary.BigEndian.Uint16(body)); err != nil {
				return nil, err
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

func skipAttributes(r *classReader) {
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		r.u16()
		r.bytes(int(r.u32()))
	}
}
