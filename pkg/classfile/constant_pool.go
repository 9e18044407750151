package classfile

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Constant pool tags
const (
	TagUtf8        = 1
	TagInteger     = 3
	TagFloat       = 4
	TagLong        = 5
	TagDouble      = 6
	TagClass       = 7
	TagString      = 8
	TagFieldref    = 9
	TagMethodref   = 10
	TagNameAndType = 12
)

// ConstantPoolEntry is implemented by exactly the ten entry kinds declared in
// this file. The unexported marker keeps the set closed.
type ConstantPoolEntry interface {
	Tag() uint8
	isConstant()
}

type ConstantUtf8 struct {
	Value string
}

type ConstantInteger struct {
	Value int32
}

type ConstantFloat struct {
	Value float32
}

// ConstantLong occupies two pool indices; the second is left nil.
type ConstantLong struct {
	Value int64
}

// ConstantDouble occupies two pool indices; the second is left nil.
type ConstantDouble struct {
	Value float64
}

type ConstantClass struct {
	NameIndex uint16
}

type ConstantString struct {
	StringIndex uint16
}

type ConstantFieldref struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

type ConstantMethodref struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

type ConstantNameAndType struct {
	NameIndex       uint16
	DescriptorIndex uint16
}

func (c *ConstantUtf8) Tag() uint8        { return TagUtf8 }
func (c *ConstantInteger) Tag() uint8     { return TagInteger }
func (c *ConstantFloat) Tag() uint8       { return TagFloat }
func (c *ConstantLong) Tag() uint8        { return TagLong }
func (c *ConstantDouble) Tag() uint8      { return TagDouble }
func (c *ConstantClass) Tag() uint8       { return TagClass }
func (c *ConstantString) Tag() uint8      { return TagString }
func (c *ConstantFieldref) Tag() uint8    { return TagFieldref }
func (c *ConstantMethodref) Tag() uint8   { return TagMethodref }
func (c *ConstantNameAndType) Tag() uint8 { return TagNameAndType }

func (*ConstantUtf8) isConstant()        {}
func (*ConstantInteger) isConstant()     {}
func (*ConstantFloat) isConstant()       {}
func (*ConstantLong) isConstant()        {}
func (*ConstantDouble) isConstant()      {}
func (*ConstantClass) isConstant()       {}
func (*ConstantString) isConstant()      {}
func (*ConstantFieldref) isConstant()    {}
func (*ConstantMethodref) isConstant()   {}
func (*ConstantNameAndType) isConstant() {}

// ConstantPool is 1-indexed: index 0 and the slot after each long or double
// are nil.
type ConstantPool []ConstantPoolEntry

// parseConstantPool reads count-1 entries from the cursor.
func parseConstantPool(c *Cursor, count uint16) (ConstantPool, error) {
	if count == 0 {
		return nil, errors.Wrap(ErrBadIndex, "constant pool count is zero")
	}
	pool := make(ConstantPool, count)

	for i := uint16(1); i < count; i++ {
		tag, err := c.U1()
		if err != nil {
			return nil, errors.Wrapf(err, "reading constant pool tag at index %d", i)
		}

		switch tag {
		case TagUtf8:
			length, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading Utf8 length at index %d", i)
			}
			b, err := c.Bytes(int(length))
			if err != nil {
				return nil, errors.Wrapf(err, "reading Utf8 bytes at index %d", i)
			}
			pool[i] = &ConstantUtf8{Value: string(b)}

		case TagInteger:
			v, err := c.U4()
			if err != nil {
				return nil, errors.Wrapf(err, "reading Integer at index %d", i)
			}
			pool[i] = &ConstantInteger{Value: int32(v)}

		case TagFloat:
			bits, err := c.U4()
			if err != nil {
				return nil, errors.Wrapf(err, "reading Float at index %d", i)
			}
			pool[i] = &ConstantFloat{Value: math.Float32frombits(bits)}

		case TagLong, TagDouble:
			if i+1 >= count {
				return nil, errors.Wrapf(ErrBadIndex, "8-byte constant at last index %d", i)
			}
			v, err := c.U8()
			if err != nil {
				return nil, errors.Wrapf(err, "reading 8-byte constant at index %d", i)
			}
			if tag == TagLong {
				pool[i] = &ConstantLong{Value: int64(v)}
			} else {
				pool[i] = &ConstantDouble{Value: math.Float64frombits(v)}
			}
			i++ // long and double take 2 slots

		case TagClass:
			nameIndex, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading Class at index %d", i)
			}
			pool[i] = &ConstantClass{NameIndex: nameIndex}

		case TagString:
			stringIndex, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading String at index %d", i)
			}
			pool[i] = &ConstantString{StringIndex: stringIndex}

		case TagFieldref, TagMethodref:
			classIndex, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading ref class_index at index %d", i)
			}
			natIndex, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading ref name_and_type_index at index %d", i)
			}
			if tag == TagFieldref {
				pool[i] = &ConstantFieldref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			} else {
				pool[i] = &ConstantMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			}

		case TagNameAndType:
			nameIndex, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading NameAndType name_index at index %d", i)
			}
			descIndex, err := c.U2()
			if err != nil {
				return nil, errors.Wrapf(err, "reading NameAndType descriptor_index at index %d", i)
			}
			pool[i] = &ConstantNameAndType{NameIndex: nameIndex, DescriptorIndex: descIndex}

		default:
			return nil, errors.Wrapf(ErrUnknownTag, "tag %d at index %d", tag, i)
		}
	}

	if err := pool.validate(); err != nil {
		return nil, err
	}
	return pool, nil
}

// validate checks that every index held by an entry resolves to an entry of
// the expected tag.
func (p ConstantPool) validate() error {
	for i, entry := range p {
		var err error
		switch e := entry.(type) {
		case nil:
		case *ConstantUtf8, *ConstantInteger, *ConstantFloat, *ConstantLong, *ConstantDouble:
		case *ConstantClass:
			err = p.expect(e.NameIndex, TagUtf8)
		case *ConstantString:
			err = p.expect(e.StringIndex, TagUtf8)
		case *ConstantNameAndType:
			if err = p.expect(e.NameIndex, TagUtf8); err == nil {
				err = p.expect(e.DescriptorIndex, TagUtf8)
			}
		case *ConstantFieldref:
			if err = p.expect(e.ClassIndex, TagClass); err == nil {
				err = p.expect(e.NameAndTypeIndex, TagNameAndType)
			}
		case *ConstantMethodref:
			if err = p.expect(e.ClassIndex, TagClass); err == nil {
				err = p.expect(e.NameAndTypeIndex, TagNameAndType)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	return nil
}

// expect fails unless index names an entry with the given tag.
func (p ConstantPool) expect(index uint16, tag uint8) error {
	entry, err := p.Entry(index)
	if err != nil {
		return err
	}
	if entry.Tag() != tag {
		return errors.Wrapf(ErrBadIndex, "index %d has tag %d, want %d", index, entry.Tag(), tag)
	}
	return nil
}

// Entry returns the entry at index, failing for index 0, out-of-range indices
// and the unusable slot after a long or double.
func (p ConstantPool) Entry(index uint16) (ConstantPoolEntry, error) {
	if index == 0 || int(index) >= len(p) || p[index] == nil {
		return nil, errors.Wrapf(ErrBadIndex, "index %d (pool size %d)", index, len(p))
	}
	return p[index], nil
}

// Utf8 returns the string at the given index.
func (p ConstantPool) Utf8(index uint16) (string, error) {
	entry, err := p.Entry(index)
	if err != nil {
		return "", err
	}
	utf8, ok := entry.(*ConstantUtf8)
	if !ok {
		return "", errors.Wrapf(ErrBadIndex, "index %d is not Utf8 (tag=%d)", index, entry.Tag())
	}
	return utf8.Value, nil
}

// ClassName returns the class name referenced by a CONSTANT_Class entry.
func (p ConstantPool) ClassName(index uint16) (string, error) {
	entry, err := p.Entry(index)
	if err != nil {
		return "", err
	}
	class, ok := entry.(*ConstantClass)
	if !ok {
		return "", errors.Wrapf(ErrBadIndex, "index %d is not Class (tag=%d)", index, entry.Tag())
	}
	return p.Utf8(class.NameIndex)
}

// NameAndType resolves a CONSTANT_NameAndType entry.
func (p ConstantPool) NameAndType(index uint16) (name, descriptor string, err error) {
	entry, err := p.Entry(index)
	if err != nil {
		return "", "", err
	}
	nat, ok := entry.(*ConstantNameAndType)
	if !ok {
		return "", "", errors.Wrapf(ErrBadIndex, "index %d is not NameAndType (tag=%d)", index, entry.Tag())
	}
	if name, err = p.Utf8(nat.NameIndex); err != nil {
		return "", "", errors.Wrap(err, "resolving name")
	}
	if descriptor, err = p.Utf8(nat.DescriptorIndex); err != nil {
		return "", "", errors.Wrap(err, "resolving descriptor")
	}
	return name, descriptor, nil
}

// MemberRef holds a resolved field or method reference.
type MemberRef struct {
	ClassName  string
	Name       string
	Descriptor string
}

func (r *MemberRef) String() string {
	return fmt.Sprintf("%s.%s:%s", r.ClassName, r.Name, r.Descriptor)
}

// Fieldref resolves a CONSTANT_Fieldref entry.
func (p ConstantPool) Fieldref(index uint16) (*MemberRef, error) {
	entry, err := p.Entry(index)
	if err != nil {
		return nil, err
	}
	fref, ok := entry.(*ConstantFieldref)
	if !ok {
		return nil, errors.Wrapf(ErrBadIndex, "index %d is not Fieldref (tag=%d)", index, entry.Tag())
	}
	return p.memberRef(fref.ClassIndex, fref.NameAndTypeIndex)
}

// Methodref resolves a CONSTANT_Methodref entry.
func (p ConstantPool) Methodref(index uint16) (*MemberRef, error) {
	entry, err := p.Entry(index)
	if err != nil {
		return nil, err
	}
	mref, ok := entry.(*ConstantMethodref)
	if !ok {
		return nil, errors.Wrapf(ErrBadIndex, "index %d is not Methodref (tag=%d)", index, entry.Tag())
	}
	return p.memberRef(mref.ClassIndex, mref.NameAndTypeIndex)
}

func (p ConstantPool) memberRef(classIndex, natIndex uint16) (*MemberRef, error) {
	className, err := p.ClassName(classIndex)
	if err != nil {
		return nil, errors.Wrap(err, "resolving class")
	}
	name, desc, err := p.NameAndType(natIndex)
	if err != nil {
		return nil, err
	}
	return &MemberRef{ClassName: className, Name: name, Descriptor: desc}, nil
}
