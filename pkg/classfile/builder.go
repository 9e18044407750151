package classfile

import (
	"fmt"
	"math"
)

const (
	defaultMajorVersion = 52
)

// Builder assembles a class in memory. Pool entries are interned, so asking
// for the same constant twice returns the same index.
type Builder struct {
	cf     *ClassFile
	intern map[string]uint16
}

// NewBuilder starts a public class with the given name. An empty super makes
// the class a root with no super class.
func NewBuilder(name, super string) *Builder {
	b := &Builder{
		cf: &ClassFile{
			MajorVersion: defaultMajorVersion,
			ConstantPool: ConstantPool{nil},
			AccessFlags:  AccPublic | AccSuper,
		},
		intern: make(map[string]uint16),
	}
	b.cf.ThisClass = b.Class(name)
	if super != "" {
		b.cf.SuperClass = b.Class(super)
	}
	return b
}

func (b *Builder) add(key string, entry ConstantPoolEntry) uint16 {
	if idx, ok := b.intern[key]; ok {
		return idx
	}
	idx := uint16(len(b.cf.ConstantPool))
	b.cf.ConstantPool = append(b.cf.ConstantPool, entry)
	if _, wide := entry.(*ConstantLong); wide {
		b.cf.ConstantPool = append(b.cf.ConstantPool, nil)
	} else if _, wide := entry.(*ConstantDouble); wide {
		b.cf.ConstantPool = append(b.cf.ConstantPool, nil)
	}
	b.intern[key] = idx
	return idx
}

func (b *Builder) Utf8(s string) uint16 {
	return b.add("u:"+s, &ConstantUtf8{Value: s})
}

func (b *Builder) Integer(v int32) uint16 {
	return b.add(fmt.Sprintf("i:%d", v), &ConstantInteger{Value: v})
}

func (b *Builder) Float(v float32) uint16 {
	return b.add(fmt.Sprintf("f:%x", math.Float32bits(v)), &ConstantFloat{Value: v})
}

func (b *Builder) Long(v int64) uint16 {
	return b.add(fmt.Sprintf("j:%d", v), &ConstantLong{Value: v})
}

func (b *Builder) Double(v float64) uint16 {
	return b.add(fmt.Sprintf("d:%x", math.Float64bits(v)), &ConstantDouble{Value: v})
}

func (b *Builder) Class(name string) uint16 {
	nameIdx := b.Utf8(name)
	return b.add("c:"+name, &ConstantClass{NameIndex: nameIdx})
}

// StringRef interns a CONSTANT_String for s.
func (b *Builder) StringRef(s string) uint16 {
	strIdx := b.Utf8(s)
	return b.add("s:"+s, &ConstantString{StringIndex: strIdx})
}

func (b *Builder) NameAndType(name, desc string) uint16 {
	nameIdx, descIdx := b.Utf8(name), b.Utf8(desc)
	return b.add("n:"+name+":"+desc, &ConstantNameAndType{NameIndex: nameIdx, DescriptorIndex: descIdx})
}

func (b *Builder) Fieldref(class, name, desc string) uint16 {
	classIdx, natIdx := b.Class(class), b.NameAndType(name, desc)
	return b.add("F:"+class+"."+name+":"+desc, &ConstantFieldref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
}

func (b *Builder) Methodref(class, name, desc string) uint16 {
	classIdx, natIdx := b.Class(class), b.NameAndType(name, desc)
	return b.add("M:"+class+"."+name+":"+desc, &ConstantMethodref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
}

// AddInterface records an implemented interface.
func (b *Builder) AddInterface(name string) *Builder {
	b.cf.Interfaces = append(b.cf.Interfaces, b.Class(name))
	return b
}

// AddField declares a field.
func (b *Builder) AddField(flags uint16, name, desc string) *Builder {
	b.cf.Fields = append(b.cf.Fields, FieldInfo{
		AccessFlags:     flags,
		NameIndex:       b.Utf8(name),
		DescriptorIndex: b.Utf8(desc),
		Name:            name,
		Descriptor:      desc,
	})
	return b
}

// AddMethod declares a method. A nil code leaves the method without a Code
// attribute, as for abstract and native methods. Sub-attributes of code that
// carry only a Name get their name interned.
func (b *Builder) AddMethod(flags uint16, name, desc string, code *CodeAttribute) *Builder {
	m := MethodInfo{
		AccessFlags:     flags,
		NameIndex:       b.Utf8(name),
		DescriptorIndex: b.Utf8(desc),
		Name:            name,
		Descriptor:      desc,
	}
	if code != nil {
		for i := range code.Attributes {
			if code.Attributes[i].NameIndex == 0 {
				code.Attributes[i].NameIndex = b.Utf8(code.Attributes[i].Name)
			}
		}
		m.Attributes = []AttributeInfo{{
			NameIndex: b.Utf8(codeAttributeName),
			Name:      codeAttributeName,
			Data:      encodeCode(code),
		}}
		m.Code = code
	}
	b.cf.Methods = append(b.cf.Methods, m)
	return b
}

// AddAttribute appends a class-level attribute.
func (b *Builder) AddAttribute(name string, data []byte) *Builder {
	b.cf.Attributes = append(b.cf.Attributes, AttributeInfo{NameIndex: b.Utf8(name), Name: name, Data: data})
	return b
}

// Bytes serializes the class.
func (b *Builder) Bytes() ([]byte, error) {
	return Marshal(b.cf)
}

// Build serializes the class and loads it back, returning a class that went
// through the same validation as any loaded binary.
func (b *Builder) Build() (*ClassFile, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return Load(data)
}
