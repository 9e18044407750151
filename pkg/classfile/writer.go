package classfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// encoder appends big-endian values to a buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) u1(v uint8)  { e.buf = append(e.buf, v) }
func (e *encoder) u2(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u4(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u8(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) attributes(attrs []AttributeInfo) {
	e.u2(uint16(len(attrs)))
	for _, a := range attrs {
		e.u2(a.NameIndex)
		e.u4(uint32(len(a.Data)))
		e.raw(a.Data)
	}
}

// Marshal serializes a class back into its binary form. Attributes are
// emitted from their raw bytes, so Load followed by Marshal reproduces the
// input exactly.
func Marshal(cf *ClassFile) ([]byte, error) {
	e := &encoder{}
	e.u4(classMagic)
	e.u2(cf.MinorVersion)
	e.u2(cf.MajorVersion)

	e.u2(uint16(len(cf.ConstantPool)))
	for i := 1; i < len(cf.ConstantPool); i++ {
		entry := cf.ConstantPool[i]
		if entry == nil {
			continue
		}
		e.u1(entry.Tag())
		switch c := entry.(type) {
		case *ConstantUtf8:
			e.u2(uint16(len(c.Value)))
			e.raw([]byte(c.Value))
		case *ConstantInteger:
			e.u4(uint32(c.Value))
		case *ConstantFloat:
			e.u4(math.Float32bits(c.Value))
		case *ConstantLong:
			e.u8(uint64(c.Value))
		case *ConstantDouble:
			e.u8(math.Float64bits(c.Value))
		case *ConstantClass:
			e.u2(c.NameIndex)
		case *ConstantString:
			e.u2(c.StringIndex)
		case *ConstantFieldref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantMethodref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantNameAndType:
			e.u2(c.NameIndex)
			e.u2(c.DescriptorIndex)
		default:
			return nil, errors.Wrapf(ErrUnknownTag, "tag %d at index %d", entry.Tag(), i)
		}
	}

	e.u2(cf.AccessFlags)
	e.u2(cf.ThisClass)
	e.u2(cf.SuperClass)
	e.u2(uint16(len(cf.Interfaces)))
	for _, idx := range cf.Interfaces {
		e.u2(idx)
	}

	e.u2(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		e.u2(f.AccessFlags)
		e.u2(f.NameIndex)
		e.u2(f.DescriptorIndex)
		e.attributes(f.Attributes)
	}

	e.u2(uint16(len(cf.Methods)))
	for _, m := range cf.Methods {
		e.u2(m.AccessFlags)
		e.u2(m.NameIndex)
		e.u2(m.DescriptorIndex)
		e.attributes(m.Attributes)
	}

	e.attributes(cf.Attributes)
	return e.buf, nil
}

// Write serializes cf to w.
func Write(w io.Writer, cf *ClassFile) error {
	data, err := Marshal(cf)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// encodeCode produces the info bytes of a Code attribute.
func encodeCode(code *CodeAttribute) []byte {
	e := &encoder{}
	e.u2(code.MaxStack)
	e.u2(code.MaxLocals)
	e.u4(uint32(len(code.Code)))
	e.raw(code.Code)
	e.u2(uint16(len(code.ExceptionHandlers)))
	for _, h := range code.ExceptionHandlers {
		e.u2(h.StartPC)
		e.u2(h.EndPC)
		e.u2(h.HandlerPC)
		e.u2(h.CatchType)
	}
	e.attributes(code.Attributes)
	return e.buf
}
