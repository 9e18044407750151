package vm

import (
	"testing"

	"github.com/daimatz/rjvm/pkg/classfile"
)

// asm concatenates instruction fragments.
func asm(parts ...[]byte) []byte {
	var code []byte
	for _, p := range parts {
		code = append(code, p...)
	}
	return code
}

// ins encodes an instruction with 8-bit operands.
func ins(op byte, operands ...byte) []byte {
	return append([]byte{op}, operands...)
}

// ref encodes an instruction with a 16-bit operand such as a pool index or
// branch offset.
func ref(op byte, idx uint16) []byte {
	return []byte{op, byte(idx >> 8), byte(idx)}
}

func build(t *testing.T, b *classfile.Builder) *classfile.ClassFile {
	t.Helper()
	cf, err := b.Build()
	if err != nil {
		t.Fatalf("building class: %v", err)
	}
	return cf
}

// objectClass builds a root java/lang/Object with a no-op constructor.
func objectClass(t *testing.T) *classfile.ClassFile {
	t.Helper()
	b := classfile.NewBuilder("java/lang/Object", "")
	b.AddMethod(classfile.AccPublic, "<init>", "()V", &classfile.CodeAttribute{
		MaxLocals: 1,
		Code:      []byte{OpReturn},
	})
	return build(t, b)
}

// newTestVM creates a VM holding java/lang/Object and the given classes.
func newTestVM(t *testing.T, opts []Option, builders ...*classfile.Builder) *VM {
	t.Helper()
	v := New(opts...)
	v.AddClass(objectClass(t), "")
	for _, b := range builders {
		v.AddClass(build(t, b), "")
	}
	return v
}

func staticMethod(b *classfile.Builder, name, desc string, maxStack, maxLocals uint16, code []byte, handlers ...classfile.ExceptionHandler) {
	b.AddMethod(classfile.AccPublic|classfile.AccStatic, name, desc, &classfile.CodeAttribute{
		MaxStack:          maxStack,
		MaxLocals:         maxLocals,
		Code:              code,
		ExceptionHandlers: handlers,
	})
}

func assertCode(t *testing.T, err error, want Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", want)
	}
	if got := CodeOf(err); got != want {
		t.Fatalf("got %v (%v), want %v", got, err, want)
	}
}

// assertNoStackRefs checks that no object is still counted as held by a
// stack or local slot.
func assertNoStackRefs(t *testing.T, h *Heap) {
	t.Helper()
	for _, o := range h.Objects() {
		if o.StackCount != 0 {
			t.Errorf("object %d (%s) has stack count %d", o.Handle, o.ClassName(), o.StackCount)
		}
	}
}
