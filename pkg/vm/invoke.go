package vm

import (
	"github.com/daimatz/rjvm/pkg/classfile"
)

type invokeKind int

const (
	invokeStatic invokeKind = iota
	invokeSpecial
	invokeVirtual
	invokeInterface
)

var invokeNames = [...]string{
	invokeStatic:    "invokestatic",
	invokeSpecial:   "invokespecial",
	invokeVirtual:   "invokevirtual",
	invokeInterface: "invokeinterface",
}

// mustResolve finds a class, loading it on demand.
func (vm *VM) mustResolve(name string) *classfile.ClassFile {
	cf, err := vm.resolveClass(name)
	raise(err)
	return cf
}

// executeInvoke handles the four invoke instructions. Arguments are popped
// from the caller before the callee runs; the callee's result, if any, is
// pushed back. A callee error is returned so the caller's exception table
// gets a chance at it.
func (vm *VM) executeInvoke(frame *Frame, kind invokeKind) error {
	index := frame.ReadU16()
	if kind == invokeInterface {
		frame.ReadU8() // count
		frame.ReadU8() // always zero
	}
	ref, err := constantPool(frame).Methodref(index)
	if err != nil {
		throw(CodeBadConstant, "%s #%d: %v", invokeNames[kind], index, err)
	}
	md, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		throw(CodeBadConstant, "%s %s: %v", invokeNames[kind], ref, err)
	}

	off := 1
	if kind == invokeStatic {
		off = 0
	}
	args := make([]Value, off+len(md.Params))
	for i := len(md.Params) - 1; i >= 0; i-- {
		v := frame.Pop()
		if !assignable(md.Params[i], v) {
			throw(CodeTypeMismatch, "%s %s: argument %d is %s", invokeNames[kind], ref, i, v.Kind())
		}
		args[off+i] = v
	}

	var cf *classfile.ClassFile
	var method *classfile.MethodInfo
	switch kind {
	case invokeStatic:
		vm.mustResolve(ref.ClassName)
		cf, method, err = vm.bundle.ResolveMethod(ref.ClassName, ref.Name, ref.Descriptor)
		raise(err)
		if !method.IsStatic() {
			throw(CodeTypeMismatch, "invokestatic on instance method %s", ref)
		}
	default:
		recv := frame.PopRef()
		if recv.IsNull() {
			throw(CodeNullObjRef, "%s %s", invokeNames[kind], ref)
		}
		args[0] = recv
		obj := vm.heap.Get(recv.Handle())
		if obj == nil {
			throw(CodeNotObjRef, "dangling receiver %s", recv)
		}
		vm.mustResolve(ref.ClassName)
		if kind != invokeSpecial && obj.Kind == KindObject {
			cf, method, err = vm.bundle.FindVirtual(obj.Class, ref.Name, ref.Descriptor)
		} else {
			cf, method, err = vm.bundle.ResolveMethod(ref.ClassName, ref.Name, ref.Descriptor)
		}
		raise(err)
		if method.IsStatic() {
			throw(CodeTypeMismatch, "%s on static method %s", invokeNames[kind], ref)
		}
	}
	if method.Code == nil {
		throw(CodeNoCode, "%s.%s%s", cf.ClassName(), method.Name, method.Descriptor)
	}

	callee := NewFrame(method.Code.MaxLocals, method.Code.MaxStack, method.Code.Code, cf, vm.heap)
	callee.Method = method
	if err := catch(func() { placeArgs(callee, args) }); err != nil {
		callee.ScrubLocals()
		return err
	}

	ret, err := vm.executeMethod(callee)
	if err != nil {
		return err
	}
	if !md.IsVoid() {
		frame.Push(ret)
	}
	return nil
}

func (vm *VM) fieldRef(frame *Frame) *classfile.MemberRef {
	index := frame.ReadU16()
	ref, err := constantPool(frame).Fieldref(index)
	if err != nil {
		throw(CodeBadConstant, "field #%d: %v", index, err)
	}
	return ref
}

// staticValues returns the static storage of the class declaring ref and
// the key of the field within it.
func (vm *VM) staticValues(ref *classfile.MemberRef) (map[string]Value, string) {
	cf := vm.mustResolve(ref.ClassName)
	owner, err := vm.bundle.FindStaticField(cf, ref.Name, ref.Descriptor)
	raise(err)
	values, ok := vm.statics[owner]
	if !ok {
		values = make(map[string]Value)
		vm.statics[owner] = values
	}
	return values, ref.Name + ":" + ref.Descriptor
}

// staticRoot reports whether any static field of this VM holds handle.
func (vm *VM) staticRoot(handle Handle) bool {
	for _, values := range vm.statics {
		for _, v := range values {
			if v.Handle() == handle {
				return true
			}
		}
	}
	return false
}

// executeGetstatic handles the getstatic instruction.
func (vm *VM) executeGetstatic(frame *Frame) {
	ref := vm.fieldRef(frame)
	values, key := vm.staticValues(ref)
	v, ok := values[key]
	if !ok {
		v = zeroValue(ref.Descriptor)
	}
	if v.Kind().IsRef() {
		v = vm.heap.refValue(v.Handle())
	}
	frame.Push(v)
}

// executePutstatic handles the putstatic instruction.
func (vm *VM) executePutstatic(frame *Frame) {
	ref := vm.fieldRef(frame)
	v := frame.Pop()
	if !assignable(ref.Descriptor, v) {
		throw(CodeTypeMismatch, "putstatic %s: %s", ref, v.Kind())
	}
	values, key := vm.staticValues(ref)
	if k := kindOf(ref.Descriptor); !k.IsRef() {
		v = primitiveValue(k, narrow(k, v))
	}
	values[key] = v
}

// instance returns the object behind ref for field access.
func (vm *VM) instance(ref Value, what string) *Object {
	if ref.IsNull() {
		throw(CodeNullObjRef, "%s", what)
	}
	obj := vm.heap.Get(ref.Handle())
	if obj == nil {
		throw(CodeNotObjRef, "%s: dangling reference %s", what, ref)
	}
	if obj.Kind != KindObject {
		throw(CodeTypeMismatch, "%s on %s", what, obj.ClassName())
	}
	return obj
}

// fieldSlot locates ref in obj, checking that obj is an instance of the
// class the reference names.
func (vm *VM) fieldSlot(obj *Object, ref *classfile.MemberRef) int {
	vm.mustResolve(ref.ClassName)
	ok, err := vm.bundle.IsSubclass(obj.Class, ref.ClassName)
	raise(err)
	if !ok {
		throw(CodeTypeMismatch, "%s is not a %s", obj.ClassName(), ref.ClassName)
	}
	slot, err := vm.bundle.fieldSlot(ref.ClassName, ref.Name, ref.Descriptor)
	raise(err)
	if slot >= len(obj.Fields) {
		throw(CodeTypeMismatch, "%s has no slot for %s", obj.ClassName(), ref)
	}
	return slot
}

// executeGetfield handles the getfield instruction.
func (vm *VM) executeGetfield(frame *Frame) {
	ref := vm.fieldRef(frame)
	obj := vm.instance(frame.PopRef(), "getfield "+ref.String())
	slot := vm.fieldSlot(obj, ref)
	k := kindOf(ref.Descriptor)
	if k.IsRef() {
		frame.Push(vm.heap.refValue(Handle(obj.Fields[slot])))
		return
	}
	frame.Push(primitiveValue(k, obj.Fields[slot]))
}

// executePutfield handles the putfield instruction.
func (vm *VM) executePutfield(frame *Frame) {
	ref := vm.fieldRef(frame)
	v := frame.Pop()
	if !assignable(ref.Descriptor, v) {
		throw(CodeTypeMismatch, "putfield %s: %s", ref, v.Kind())
	}
	obj := vm.instance(frame.PopRef(), "putfield "+ref.String())
	slot := vm.fieldSlot(obj, ref)
	k := kindOf(ref.Descriptor)
	if k.IsRef() {
		obj.setRef(slot, v.Handle())
		return
	}
	obj.Fields[slot] = narrow(k, v)
}

// executeNew handles the new instruction.
func (vm *VM) executeNew(frame *Frame) {
	name := className(frame, frame.ReadU16())
	cf := vm.mustResolve(name)
	if cf.AccessFlags&(classfile.AccInterface|classfile.AccAbstract) != 0 {
		throw(CodeTypeMismatch, "new of abstract class %s", name)
	}
	obj, err := vm.heap.CreateObject(vm.bundle, name)
	raise(err)
	frame.Push(ObjectRef(obj.Handle))
}
