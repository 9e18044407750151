package classfile

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

const classMagic = 0xCAFEBABE

// ReadFile reads an entire file into memory.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return data, nil
}

// ParseFile reads and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	cf, err := Load(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cf, nil
}

// Parse reads a class binary from r and loads it.
func Parse(r io.Reader) (*ClassFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading class data")
	}
	return Load(data)
}

// Load parses a class binary held in data. On failure it returns nil and the
// caller receives no partially built class.
func Load(data []byte) (*ClassFile, error) {
	c := NewCursor(data)
	cf := &ClassFile{}

	magic, err := c.U4()
	if err != nil {
		return nil, errors.Wrap(err, "reading magic number")
	}
	if magic != classMagic {
		return nil, errors.Wrapf(ErrBadMagic, "0x%X (expected 0xCAFEBABE)", magic)
	}

	if cf.MinorVersion, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading minor version")
	}
	if cf.MajorVersion, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading major version")
	}

	// Constant pool
	cpCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(err, "reading constant pool count")
	}
	if cf.ConstantPool, err = parseConstantPool(c, cpCount); err != nil {
		return nil, errors.Wrap(err, "parsing constant pool")
	}
	pool := cf.ConstantPool

	// Access flags, this_class, super_class
	if cf.AccessFlags, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading access flags")
	}
	if cf.ThisClass, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading this_class")
	}
	if _, err := pool.ClassName(cf.ThisClass); err != nil {
		return nil, errors.Wrap(err, "resolving this_class")
	}
	if cf.SuperClass, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading super_class")
	}
	if cf.SuperClass != 0 {
		if _, err := pool.ClassName(cf.SuperClass); err != nil {
			return nil, errors.Wrap(err, "resolving super_class")
		}
	}

	// Interfaces
	interfacesCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(err, "reading interfaces count")
	}
	cf.Interfaces = make([]uint16, interfacesCount)
	for i := range cf.Interfaces {
		if cf.Interfaces[i], err = c.U2(); err != nil {
			return nil, errors.Wrapf(err, "reading interface %d", i)
		}
		if err := pool.expect(cf.Interfaces[i], TagClass); err != nil {
			return nil, errors.Wrapf(err, "resolving interface %d", i)
		}
	}

	// Fields
	fieldsCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(err, "reading fields count")
	}
	if cf.Fields, err = parseFields(c, pool, fieldsCount); err != nil {
		return nil, errors.Wrap(err, "parsing fields")
	}

	// Methods
	methodsCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(err, "reading methods count")
	}
	if cf.Methods, err = parseMethods(c, pool, methodsCount); err != nil {
		return nil, errors.Wrap(err, "parsing methods")
	}

	// Class-level attributes
	attrCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(err, "reading class attributes count")
	}
	if cf.Attributes, err = parseAttributeInfos(c, pool, attrCount); err != nil {
		return nil, errors.Wrap(err, "parsing class attributes")
	}

	return cf, nil
}

// memberHeader is the common prefix of field_info and method_info.
type memberHeader struct {
	accessFlags, nameIndex, descIndex uint16
	name, desc                        string
	attrs                             []AttributeInfo
}

func parseMemberHeader(c *Cursor, pool ConstantPool) (*memberHeader, error) {
	var h memberHeader
	var err error
	if h.accessFlags, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading access flags")
	}
	if h.nameIndex, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading name index")
	}
	if h.descIndex, err = c.U2(); err != nil {
		return nil, errors.Wrap(err, "reading descriptor index")
	}
	attrCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(err, "reading attributes count")
	}
	if h.name, err = pool.Utf8(h.nameIndex); err != nil {
		return nil, errors.Wrap(err, "resolving name")
	}
	if h.desc, err = pool.Utf8(h.descIndex); err != nil {
		return nil, errors.Wrap(err, "resolving descriptor")
	}
	if h.attrs, err = parseAttributeInfos(c, pool, attrCount); err != nil {
		return nil, errors.Wrapf(err, "parsing attributes of %s", h.name)
	}
	return &h, nil
}

func parseFields(c *Cursor, pool ConstantPool, count uint16) ([]FieldInfo, error) {
	fields := make([]FieldInfo, count)
	for i := range fields {
		h, err := parseMemberHeader(c, pool)
		if err != nil {
			return nil, errors.Wrapf(err, "field %d", i)
		}
		fields[i] = FieldInfo{
			AccessFlags:     h.accessFlags,
			NameIndex:       h.nameIndex,
			DescriptorIndex: h.descIndex,
			Name:            h.name,
			Descriptor:      h.desc,
			Attributes:      h.attrs,
		}
	}
	return fields, nil
}

func parseMethods(c *Cursor, pool ConstantPool, count uint16) ([]MethodInfo, error) {
	methods := make([]MethodInfo, count)
	for i := range methods {
		h, err := parseMemberHeader(c, pool)
		if err != nil {
			return nil, errors.Wrapf(err, "method %d", i)
		}
		m := MethodInfo{
			AccessFlags:     h.accessFlags,
			NameIndex:       h.nameIndex,
			DescriptorIndex: h.descIndex,
			Name:            h.name,
			Descriptor:      h.desc,
			Attributes:      h.attrs,
		}

		// Extract Code attribute
		for _, attr := range h.attrs {
			if attr.Name == codeAttributeName {
				code, err := parseCodeAttribute(attr.Data, pool)
				if err != nil {
					return nil, errors.Wrapf(err, "parsing Code attribute for method %s", h.name)
				}
				m.Code = code
				break
			}
		}

		methods[i] = m
	}
	return methods, nil
}

func parseAttributeInfos(c *Cursor, pool ConstantPool, count uint16) ([]AttributeInfo, error) {
	attrs := make([]AttributeInfo, count)
	for i := range attrs {
		nameIndex, err := c.U2()
		if err != nil {
			return nil, errors.Wrapf(err, "reading attribute %d name index", i)
		}
		length, err := c.U4()
		if err != nil {
			return nil, errors.Wrapf(err, "reading attribute %d length", i)
		}
		data, err := c.Bytes(int(length))
		if err != nil {
			return nil, errors.Wrapf(err, "reading attribute %d data", i)
		}
		name, err := pool.Utf8(nameIndex)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving attribute %d name", i)
		}
		attrs[i] = AttributeInfo{NameIndex: nameIndex, Name: name, Data: data}
	}
	return attrs, nil
}

func parseCodeAttribute(data []byte, pool ConstantPool) (*CodeAttribute, error) {
	c := NewCursor(data)
	code := &CodeAttribute{}
	var err error

	if code.MaxStack, err = c.U2(); err != nil {
		return nil, errors.Wrap(ErrMalformedCode, err.Error())
	}
	if code.MaxLocals, err = c.U2(); err != nil {
		return nil, errors.Wrap(ErrMalformedCode, err.Error())
	}
	codeLength, err := c.U4()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCode, err.Error())
	}
	if code.Code, err = c.Bytes(int(codeLength)); err != nil {
		return nil, errors.Wrapf(ErrMalformedCode, "code_length %d: %v", codeLength, err)
	}

	// Exception table
	exTableLen, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCode, err.Error())
	}
	code.ExceptionHandlers = make([]ExceptionHandler, exTableLen)
	for i := range code.ExceptionHandlers {
		h := &code.ExceptionHandlers[i]
		for _, dst := range []*uint16{&h.StartPC, &h.EndPC, &h.HandlerPC, &h.CatchType} {
			if *dst, err = c.U2(); err != nil {
				return nil, errors.Wrapf(ErrMalformedCode, "exception entry %d: %v", i, err)
			}
		}
		if h.CatchType != 0 {
			if err := pool.expect(h.CatchType, TagClass); err != nil {
				return nil, errors.Wrapf(err, "exception entry %d catch_type", i)
			}
		}
	}

	attrCount, err := c.U2()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCode, err.Error())
	}
	if code.Attributes, err = parseAttributeInfos(c, pool, attrCount); err != nil {
		return nil, errors.Wrap(err, "parsing Code sub-attributes")
	}
	if c.Remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformedCode, "%d trailing bytes", c.Remaining())
	}

	return code, nil
}
