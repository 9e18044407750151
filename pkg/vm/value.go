package vm

import (
	"fmt"
	"math"
)

// Kind is the runtime kind of a stack slot, local slot, or array element.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindObject
	KindArray
	KindString
	KindByte
	KindChar
	KindShort
	KindBool
	KindInt
	KindLong
	KindFloat
	KindDouble
)

var kindNames = [...]string{
	KindEmpty:  "empty",
	KindObject: "object",
	KindArray:  "array",
	KindString: "string",
	KindByte:   "byte",
	KindChar:   "char",
	KindShort:  "short",
	KindBool:   "bool",
	KindInt:    "int",
	KindLong:   "long",
	KindFloat:  "float",
	KindDouble: "double",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsRef reports whether values of this kind hold a heap handle.
func (k Kind) IsRef() bool {
	return k == KindObject || k == KindArray || k == KindString
}

// Wide reports whether the kind is a long or double.
func (k Kind) Wide() bool {
	return k == KindLong || k == KindDouble
}

// Value is a tagged slot. Values are built only through the constructors in
// this file, so the kind always describes how the payload was produced.
type Value struct {
	kind Kind
	bits uint64
}

func IntValue(v int32) Value { return Value{kind: KindInt, bits: uint64(uint32(v))} }

func LongValue(v int64) Value { return Value{kind: KindLong, bits: uint64(v)} }

func FloatValue(v float32) Value { return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))} }

func DoubleValue(v float64) Value { return Value{kind: KindDouble, bits: math.Float64bits(v)} }

// NullValue is the null reference.
func NullValue() Value { return Value{kind: KindObject} }

func ObjectRef(h Handle) Value { return Value{kind: KindObject, bits: uint64(h)} }

func ArrayRef(h Handle) Value { return Value{kind: KindArray, bits: uint64(h)} }

func StringRef(h Handle) Value { return Value{kind: KindString, bits: uint64(h)} }

func (v Value) Kind() Kind { return v.kind }

// Bits returns the raw payload.
func (v Value) Bits() uint64 { return v.bits }

func (v Value) Int() int32 { return int32(uint32(v.bits)) }

func (v Value) Long() int64 { return int64(v.bits) }

func (v Value) Float() float32 { return math.Float32frombits(uint32(v.bits)) }

func (v Value) Double() float64 { return math.Float64frombits(v.bits) }

// Handle returns the referenced object, or 0 for null and non-references.
func (v Value) Handle() Handle {
	if !v.kind.IsRef() {
		return 0
	}
	return Handle(v.bits)
}

// IsNull reports whether v is a null reference.
func (v Value) IsNull() bool { return v.kind.IsRef() && v.bits == 0 }

func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return "<empty>"
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindLong:
		return fmt.Sprintf("%dL", v.Long())
	case KindFloat:
		return fmt.Sprintf("%gf", v.Float())
	case KindDouble:
		return fmt.Sprintf("%g", v.Double())
	case KindObject, KindArray, KindString:
		if v.bits == 0 {
			return "null"
		}
		return fmt.Sprintf("%s#%d", v.kind, v.bits)
	default:
		return fmt.Sprintf("%s(%#x)", v.kind, v.bits)
	}
}

// kindOf maps a field descriptor to the kind used to store it.
func kindOf(desc string) Kind {
	if desc == "" {
		return KindEmpty
	}
	switch desc[0] {
	case 'B':
		return KindByte
	case 'C':
		return KindChar
	case 'S':
		return KindShort
	case 'Z':
		return KindBool
	case 'I':
		return KindInt
	case 'J':
		return KindLong
	case 'F':
		return KindFloat
	case 'D':
		return KindDouble
	case '[':
		return KindArray
	case 'L':
		if desc == "Ljava/lang/String;" {
			return KindString
		}
		return KindObject
	}
	return KindEmpty
}

// stackKind maps a storage kind to the kind it takes on the operand stack.
func stackKind(k Kind) Kind {
	switch k {
	case KindByte, KindChar, KindShort, KindBool:
		return KindInt
	case KindArray, KindString:
		return KindObject
	}
	return k
}

// assignable reports whether v can be stored where desc is declared.
func assignable(desc string, v Value) bool {
	want := stackKind(kindOf(desc))
	if want == KindObject {
		return v.kind.IsRef()
	}
	return want != KindEmpty && v.kind == want
}

// narrow truncates an int to the width of a storage kind and returns the raw
// slot bits.
func narrow(k Kind, v Value) uint64 {
	switch k {
	case KindByte:
		return uint64(uint32(int32(int8(v.Int()))))
	case KindChar:
		return uint64(uint32(uint16(v.Int())))
	case KindShort:
		return uint64(uint32(int32(int16(v.Int()))))
	case KindBool:
		return uint64(uint32(v.Int() & 1))
	}
	return v.bits
}

// primitiveValue rebuilds a stack value from raw slot bits of a primitive
// storage kind.
func primitiveValue(k Kind, bits uint64) Value {
	switch k {
	case KindLong:
		return Value{kind: KindLong, bits: bits}
	case KindFloat:
		return Value{kind: KindFloat, bits: bits}
	case KindDouble:
		return Value{kind: KindDouble, bits: bits}
	}
	return Value{kind: KindInt, bits: bits & 0xFFFFFFFF}
}

// zeroValue is the default value of a field declared with desc.
func zeroValue(desc string) Value {
	k := kindOf(desc)
	if k.IsRef() {
		return NullValue()
	}
	return primitiveValue(k, 0)
}
