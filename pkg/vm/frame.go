package vm

import (
	"github.com/daimatz/rjvm/pkg/classfile"
)

// State is the lifecycle position of a frame.
type State int

const (
	StateReady State = iota
	StateRunning
	StateReturned
	StateException
	StateHandled
	StateUnwound
)

var stateNames = [...]string{
	StateReady:     "ready",
	StateRunning:   "running",
	StateReturned:  "returned",
	StateException: "exception",
	StateHandled:   "handled",
	StateUnwound:   "unwound",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Frame represents a stack frame for method execution.
type Frame struct {
	locals []Value
	stack  []Value
	sp     int
	Code   []byte
	PC     int
	Class  *classfile.ClassFile
	Method *classfile.MethodInfo
	heap   *Heap
	state  State
}

// NewFrame creates a new Frame with the given parameters. References pushed
// or stored in the frame are counted in heap, which may be nil.
func NewFrame(maxLocals, maxStack uint16, code []byte, class *classfile.ClassFile, heap *Heap) *Frame {
	return &Frame{
		locals: make([]Value, maxLocals),
		stack:  make([]Value, maxStack),
		Code:   code,
		Class:  class,
		heap:   heap,
	}
}

func (f *Frame) retain(v Value) {
	if f.heap != nil && v.kind.IsRef() && v.bits != 0 {
		f.heap.Retain(Handle(v.bits))
	}
}

func (f *Frame) release(v Value) {
	if f.heap != nil && v.kind.IsRef() && v.bits != 0 {
		f.heap.Release(Handle(v.bits))
	}
}

// State returns the lifecycle state of the frame.
func (f *Frame) State() State { return f.state }

// SP returns the current operand stack depth.
func (f *Frame) SP() int { return f.sp }

func (f *Frame) MaxStack() int { return len(f.stack) }

func (f *Frame) MaxLocals() int { return len(f.locals) }

// Push pushes a value onto the operand stack.
func (f *Frame) Push(v Value) {
	if f.sp >= len(f.stack) {
		throw(CodeFrame, "operand stack overflow: SP=%d, max=%d", f.sp, len(f.stack))
	}
	if v.kind == KindEmpty {
		throw(CodeTypeMismatch, "push of an empty slot")
	}
	f.retain(v)
	f.stack[f.sp] = v
	f.sp++
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() Value {
	if f.sp <= 0 {
		throw(CodeFrame, "operand stack underflow")
	}
	f.sp--
	v := f.stack[f.sp]
	f.stack[f.sp] = Value{}
	f.release(v)
	return v
}

// Peek returns the top of the operand stack without removing it.
func (f *Frame) Peek() Value {
	if f.sp <= 0 {
		throw(CodeFrame, "operand stack underflow")
	}
	return f.stack[f.sp-1]
}

func (f *Frame) pop(want Kind) Value {
	v := f.Pop()
	if v.kind != want {
		throw(CodeTypeMismatch, "expected %s on stack, found %s", want, v.kind)
	}
	return v
}

func (f *Frame) PopInt() int32 { return f.pop(KindInt).Int() }

func (f *Frame) PopLong() int64 { return f.pop(KindLong).Long() }

func (f *Frame) PopFloat() float32 { return f.pop(KindFloat).Float() }

func (f *Frame) PopDouble() float64 { return f.pop(KindDouble).Double() }

// PopRef pops a reference, which may be null.
func (f *Frame) PopRef() Value {
	v := f.Pop()
	if !v.kind.IsRef() {
		throw(CodeNotObjRef, "expected reference on stack, found %s", v.kind)
	}
	return v
}

// GetLocal returns the value at the given local variable index.
func (f *Frame) GetLocal(index int) Value {
	if index < 0 || index >= len(f.locals) {
		throw(CodeFrame, "local variable index out of range: index=%d, max=%d", index, len(f.locals))
	}
	return f.locals[index]
}

// SetLocal sets the value at the given local variable index. Long and double
// values also claim the following slot. Writing the second slot of a long or
// double clears the first, so the broken pair can no longer be loaded.
func (f *Frame) SetLocal(index int, v Value) {
	last := index
	if v.kind.Wide() {
		last++
	}
	if index < 0 || last >= len(f.locals) {
		throw(CodeFrame, "local variable index out of range: index=%d, max=%d", index, len(f.locals))
	}
	if index > 0 && f.locals[index-1].kind.Wide() {
		f.locals[index-1] = Value{}
	}
	f.release(f.locals[index])
	f.retain(v)
	f.locals[index] = v
	if last != index {
		f.release(f.locals[last])
		f.locals[last] = Value{}
	}
}

// load reads a local that must hold the given kind.
func (f *Frame) load(index int, want Kind) Value {
	v := f.GetLocal(index)
	if want == KindObject {
		if !v.kind.IsRef() {
			throw(CodeNotObjRef, "local %d holds %s", index, v.kind)
		}
	} else if v.kind != want {
		throw(CodeTypeMismatch, "local %d holds %s, expected %s", index, v.kind, want)
	}
	return v
}

// ScrubStack clears every operand stack slot and releases held references.
func (f *Frame) ScrubStack() {
	for i := range f.stack {
		f.release(f.stack[i])
		f.stack[i] = Value{}
	}
	f.sp = 0
}

// ScrubLocals clears every local variable slot and releases held references.
func (f *Frame) ScrubLocals() {
	for i := range f.locals {
		f.release(f.locals[i])
		f.locals[i] = Value{}
	}
}

// StackAt returns the operand stack slot i, counting from the bottom.
func (f *Frame) StackAt(i int) Value {
	if i < 0 || i >= len(f.stack) {
		throw(CodeFrame, "stack slot %d out of range", i)
	}
	return f.stack[i]
}

func (f *Frame) need(n int) {
	if f.PC < 0 || f.PC+n > len(f.Code) {
		throw(CodeFrame, "operand read past end of code at PC=%d", f.PC)
	}
}

// ReadU8 reads a uint8 operand and advances PC.
func (f *Frame) ReadU8() uint8 {
	f.need(1)
	val := f.Code[f.PC]
	f.PC++
	return val
}

// ReadI8 reads an int8 operand and advances PC.
func (f *Frame) ReadI8() int8 {
	return int8(f.ReadU8())
}

// ReadU16 reads a uint16 operand (big-endian) and advances PC by 2.
func (f *Frame) ReadU16() uint16 {
	f.need(2)
	val := uint16(f.Code[f.PC])<<8 | uint16(f.Code[f.PC+1])
	f.PC += 2
	return val
}

// ReadI16 reads an int16 operand (big-endian) and advances PC by 2.
func (f *Frame) ReadI16() int16 {
	return int16(f.ReadU16())
}

// ReadI32 reads an int32 operand (big-endian) and advances PC by 4.
func (f *Frame) ReadI32() int32 {
	f.need(4)
	val := uint32(f.Code[f.PC])<<24 | uint32(f.Code[f.PC+1])<<16 | uint32(f.Code[f.PC+2])<<8 | uint32(f.Code[f.PC+3])
	f.PC += 4
	return int32(val)
}
