package vm

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/daimatz/rjvm/pkg/classfile"
)

// Opcodes
const (
	OpNop             = 0x00
	OpAconstNull      = 0x01
	OpIconstM1        = 0x02
	OpIconst0         = 0x03
	OpIconst1         = 0x04
	OpIconst2         = 0x05
	OpIconst3         = 0x06
	OpIconst4         = 0x07
	OpIconst5         = 0x08
	OpLconst0         = 0x09
	OpLconst1         = 0x0A
	OpFconst0         = 0x0B
	OpFconst1         = 0x0C
	OpFconst2         = 0x0D
	OpDconst0         = 0x0E
	OpDconst1         = 0x0F
	OpBipush          = 0x10
	OpSipush          = 0x11
	OpLdc             = 0x12
	OpLdcW            = 0x13
	OpLdc2W           = 0x14
	OpIload           = 0x15
	OpLload           = 0x16
	OpFload           = 0x17
	OpDload           = 0x18
	OpAload           = 0x19
	OpIload0          = 0x1A
	OpIload3          = 0x1D
	OpLload0          = 0x1E
	OpLload3          = 0x21
	OpFload0          = 0x22
	OpFload3          = 0x25
	OpDload0          = 0x26
	OpDload3          = 0x29
	OpAload0          = 0x2A
	OpAload3          = 0x2D
	OpIaload          = 0x2E
	OpLaload          = 0x2F
	OpFaload          = 0x30
	OpDaload          = 0x31
	OpAaload          = 0x32
	OpBaload          = 0x33
	OpCaload          = 0x34
	OpSaload          = 0x35
	OpIstore          = 0x36
	OpLstore          = 0x37
	OpFstore          = 0x38
	OpDstore          = 0x39
	OpAstore          = 0x3A
	OpIstore0         = 0x3B
	OpIstore3         = 0x3E
	OpLstore0         = 0x3F
	OpLstore3         = 0x42
	OpFstore0         = 0x43
	OpFstore3         = 0x46
	OpDstore0         = 0x47
	OpDstore3         = 0x4A
	OpAstore0         = 0x4B
	OpAstore3         = 0x4E
	OpIastore         = 0x4F
	OpLastore         = 0x50
	OpFastore         = 0x51
	OpDastore         = 0x52
	OpAastore         = 0x53
	OpBastore         = 0x54
	OpCastore         = 0x55
	OpSastore         = 0x56
	OpPop             = 0x57
	OpPop2            = 0x58
	OpDup             = 0x59
	OpDupX1           = 0x5A
	OpDupX2           = 0x5B
	OpDup2            = 0x5C
	OpDup2X1          = 0x5D
	OpDup2X2          = 0x5E
	OpSwap            = 0x5F
	OpIadd            = 0x60
	OpLadd            = 0x61
	OpFadd            = 0x62
	OpDadd            = 0x63
	OpIsub            = 0x64
	OpLsub            = 0x65
	OpFsub            = 0x66
	OpDsub            = 0x67
	OpImul            = 0x68
	OpLmul            = 0x69
	OpFmul            = 0x6A
	OpDmul            = 0x6B
	OpIdiv            = 0x6C
	OpLdiv            = 0x6D
	OpFdiv            = 0x6E
	OpDdiv            = 0x6F
	OpIrem            = 0x70
	OpLrem            = 0x71
	OpFrem            = 0x72
	OpDrem            = 0x73
	OpIneg            = 0x74
	OpLneg            = 0x75
	OpFneg            = 0x76
	OpDneg            = 0x77
	OpIshl            = 0x78
	OpLshl            = 0x79
	OpIshr            = 0x7A
	OpLshr            = 0x7B
	OpIushr           = 0x7C
	OpLushr           = 0x7D
	OpIand            = 0x7E
	OpLand            = 0x7F
	OpIor             = 0x80
	OpLor             = 0x81
	OpIxor            = 0x82
	OpLxor            = 0x83
	OpIinc            = 0x84
	OpI2l             = 0x85
	OpI2f             = 0x86
	OpI2d             = 0x87
	OpL2i             = 0x88
	OpL2f             = 0x89
	OpL2d             = 0x8A
	OpF2i             = 0x8B
	OpF2l             = 0x8C
	OpF2d             = 0x8D
	OpD2i             = 0x8E
	OpD2l             = 0x8F
	OpD2f             = 0x90
	OpI2b             = 0x91
	OpI2c             = 0x92
	OpI2s             = 0x93
	OpLcmp            = 0x94
	OpFcmpl           = 0x95
	OpFcmpg           = 0x96
	OpDcmpl           = 0x97
	OpDcmpg           = 0x98
	OpIfeq            = 0x99
	OpIfne            = 0x9A
	OpIflt            = 0x9B
	OpIfge            = 0x9C
	OpIfgt            = 0x9D
	OpIfle            = 0x9E
	OpIfIcmpeq        = 0x9F
	OpIfIcmpne        = 0xA0
	OpIfIcmplt        = 0xA1
	OpIfIcmpge        = 0xA2
	OpIfIcmpgt        = 0xA3
	OpIfIcmple        = 0xA4
	OpIfAcmpeq        = 0xA5
	OpIfAcmpne        = 0xA6
	OpGoto            = 0xA7
	OpTableswitch     = 0xAA
	OpLookupswitch    = 0xAB
	OpIreturn         = 0xAC
	OpLreturn         = 0xAD
	OpFreturn         = 0xAE
	OpDreturn         = 0xAF
	OpAreturn         = 0xB0
	OpReturn          = 0xB1
	OpGetstatic       = 0xB2
	OpPutstatic       = 0xB3
	OpGetfield        = 0xB4
	OpPutfield        = 0xB5
	OpInvokevirtual   = 0xB6
	OpInvokespecial   = 0xB7
	OpInvokestatic    = 0xB8
	OpInvokeinterface = 0xB9
	OpNew             = 0xBB
	OpNewarray        = 0xBC
	OpAnewarray       = 0xBD
	OpArraylength     = 0xBE
	OpAthrow          = 0xBF
	OpCheckcast       = 0xC0
	OpInstanceof      = 0xC1
	OpMonitorenter    = 0xC2
	OpMonitorexit     = 0xC3
	OpWide            = 0xC4
	OpIfnull          = 0xC6
	OpIfnonnull       = 0xC7
	OpGotoW           = 0xC8
)

// executeInstruction executes a single bytecode instruction.
// Returns (returnValue, hasReturn, error). Signals raised with throw are
// recovered by the caller.
func (vm *VM) executeInstruction(frame *Frame, opcode byte) (Value, bool, error) {
	switch {
	case opcode >= OpIload0 && opcode <= OpIload3:
		frame.Push(frame.load(int(opcode-OpIload0), KindInt))
		return Value{}, false, nil
	case opcode >= OpLload0 && opcode <= OpLload3:
		frame.Push(frame.load(int(opcode-OpLload0), KindLong))
		return Value{}, false, nil
	case opcode >= OpFload0 && opcode <= OpFload3:
		frame.Push(frame.load(int(opcode-OpFload0), KindFloat))
		return Value{}, false, nil
	case opcode >= OpDload0 && opcode <= OpDload3:
		frame.Push(frame.load(int(opcode-OpDload0), KindDouble))
		return Value{}, false, nil
	case opcode >= OpAload0 && opcode <= OpAload3:
		frame.Push(frame.load(int(opcode-OpAload0), KindObject))
		return Value{}, false, nil
	case opcode >= OpIstore0 && opcode <= OpIstore3:
		frame.SetLocal(int(opcode-OpIstore0), frame.pop(KindInt))
		return Value{}, false, nil
	case opcode >= OpLstore0 && opcode <= OpLstore3:
		frame.SetLocal(int(opcode-OpLstore0), frame.pop(KindLong))
		return Value{}, false, nil
	case opcode >= OpFstore0 && opcode <= OpFstore3:
		frame.SetLocal(int(opcode-OpFstore0), frame.pop(KindFloat))
		return Value{}, false, nil
	case opcode >= OpDstore0 && opcode <= OpDstore3:
		frame.SetLocal(int(opcode-OpDstore0), frame.pop(KindDouble))
		return Value{}, false, nil
	case opcode >= OpAstore0 && opcode <= OpAstore3:
		frame.SetLocal(int(opcode-OpAstore0), frame.PopRef())
		return Value{}, false, nil
	}

	switch opcode {
	case OpNop:
		// do nothing

	// --- Constant load instructions ---
	case OpAconstNull:
		frame.Push(NullValue())

	case OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5:
		frame.Push(IntValue(int32(opcode) - OpIconst0))

	case OpLconst0, OpLconst1:
		frame.Push(LongValue(int64(opcode - OpLconst0)))

	case OpFconst0, OpFconst1, OpFconst2:
		frame.Push(FloatValue(float32(opcode - OpFconst0)))

	case OpDconst0, OpDconst1:
		frame.Push(DoubleValue(float64(opcode - OpDconst0)))

	case OpBipush:
		frame.Push(IntValue(int32(frame.ReadI8())))

	case OpSipush:
		frame.Push(IntValue(int32(frame.ReadI16())))

	case OpLdc:
		vm.ldc(frame, uint16(frame.ReadU8()), false)
	case OpLdcW:
		vm.ldc(frame, frame.ReadU16(), false)
	case OpLdc2W:
		vm.ldc(frame, frame.ReadU16(), true)

	// --- Local variable load instructions ---
	case OpIload:
		frame.Push(frame.load(int(frame.ReadU8()), KindInt))
	case OpLload:
		frame.Push(frame.load(int(frame.ReadU8()), KindLong))
	case OpFload:
		frame.Push(frame.load(int(frame.ReadU8()), KindFloat))
	case OpDload:
		frame.Push(frame.load(int(frame.ReadU8()), KindDouble))
	case OpAload:
		frame.Push(frame.load(int(frame.ReadU8()), KindObject))

	// --- Array load ---
	case OpIaload:
		vm.arrayLoad(frame, KindInt)
	case OpLaload:
		vm.arrayLoad(frame, KindLong)
	case OpFaload:
		vm.arrayLoad(frame, KindFloat)
	case OpDaload:
		vm.arrayLoad(frame, KindDouble)
	case OpAaload:
		vm.arrayLoad(frame, KindObject)
	case OpBaload:
		vm.arrayLoad(frame, KindByte)
	case OpCaload:
		vm.arrayLoad(frame, KindChar)
	case OpSaload:
		vm.arrayLoad(frame, KindShort)

	// --- Local variable store instructions ---
	case OpIstore:
		frame.SetLocal(int(frame.ReadU8()), frame.pop(KindInt))
	case OpLstore:
		frame.SetLocal(int(frame.ReadU8()), frame.pop(KindLong))
	case OpFstore:
		frame.SetLocal(int(frame.ReadU8()), frame.pop(KindFloat))
	case OpDstore:
		frame.SetLocal(int(frame.ReadU8()), frame.pop(KindDouble))
	case OpAstore:
		frame.SetLocal(int(frame.ReadU8()), frame.PopRef())

	// --- Array store ---
	case OpIastore:
		vm.arrayStore(frame, KindInt)
	case OpLastore:
		vm.arrayStore(frame, KindLong)
	case OpFastore:
		vm.arrayStore(frame, KindFloat)
	case OpDastore:
		vm.arrayStore(frame, KindDouble)
	case OpAastore:
		vm.arrayStore(frame, KindObject)
	case OpBastore:
		vm.arrayStore(frame, KindByte)
	case OpCastore:
		vm.arrayStore(frame, KindChar)
	case OpSastore:
		vm.arrayStore(frame, KindShort)

	// --- Stack manipulation ---
	case OpPop:
		narrowSlot(frame.Pop())

	case OpPop2:
		if v := frame.Pop(); !v.Kind().Wide() {
			narrowSlot(frame.Pop())
		}

	case OpDup:
		frame.Push(narrowSlot(frame.Peek()))

	case OpDupX1:
		v1 := narrowSlot(frame.Pop())
		v2 := narrowSlot(frame.Pop())
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)

	case OpDupX2:
		v1 := narrowSlot(frame.Pop())
		v2 := frame.Pop()
		if v2.Kind().Wide() {
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v3 := narrowSlot(frame.Pop())
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)

	case OpDup2:
		v1 := frame.Pop()
		if v1.Kind().Wide() {
			frame.Push(v1)
			frame.Push(v1)
			break
		}
		v2 := narrowSlot(frame.Pop())
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)

	case OpDup2X1:
		v1 := frame.Pop()
		if v1.Kind().Wide() {
			v2 := narrowSlot(frame.Pop())
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v2 := narrowSlot(frame.Pop())
		v3 := narrowSlot(frame.Pop())
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)

	case OpDup2X2:
		vm.dup2x2(frame)

	case OpSwap:
		v1 := narrowSlot(frame.Pop())
		v2 := narrowSlot(frame.Pop())
		frame.Push(v1)
		frame.Push(v2)

	// --- Integer arithmetic ---
	case OpIadd:
		intBinary(frame, func(a, b int32) int32 { return a + b })
	case OpIsub:
		intBinary(frame, func(a, b int32) int32 { return a - b })
	case OpImul:
		intBinary(frame, func(a, b int32) int32 { return a * b })
	case OpIdiv:
		intBinary(frame, func(a, b int32) int32 {
			if b == 0 {
				throw(CodeArithmetic, "/ by zero")
			}
			return a / b
		})
	case OpIrem:
		intBinary(frame, func(a, b int32) int32 {
			if b == 0 {
				throw(CodeArithmetic, "%% by zero")
			}
			return a % b
		})
	case OpIneg:
		frame.Push(IntValue(-frame.PopInt()))
	case OpIshl:
		intBinary(frame, func(a, b int32) int32 { return a << uint(b&0x1F) })
	case OpIshr:
		intBinary(frame, func(a, b int32) int32 { return a >> uint(b&0x1F) })
	case OpIushr:
		intBinary(frame, func(a, b int32) int32 { return int32(uint32(a) >> uint(b&0x1F)) })
	case OpIand:
		intBinary(frame, func(a, b int32) int32 { return a & b })
	case OpIor:
		intBinary(frame, func(a, b int32) int32 { return a | b })
	case OpIxor:
		intBinary(frame, func(a, b int32) int32 { return a ^ b })

	// --- Long arithmetic ---
	case OpLadd:
		longBinary(frame, func(a, b int64) int64 { return a + b })
	case OpLsub:
		longBinary(frame, func(a, b int64) int64 { return a - b })
	case OpLmul:
		longBinary(frame, func(a, b int64) int64 { return a * b })
	case OpLdiv:
		longBinary(frame, func(a, b int64) int64 {
			if b == 0 {
				throw(CodeArithmetic, "/ by zero")
			}
			return a / b
		})
	case OpLrem:
		longBinary(frame, func(a, b int64) int64 {
			if b == 0 {
				throw(CodeArithmetic, "%% by zero")
			}
			return a % b
		})
	case OpLneg:
		frame.Push(LongValue(-frame.PopLong()))
	case OpLshl, OpLshr, OpLushr:
		shift := uint(frame.PopInt() & 0x3F)
		v := frame.PopLong()
		switch opcode {
		case OpLshl:
			v <<= shift
		case OpLshr:
			v >>= shift
		default:
			v = int64(uint64(v) >> shift)
		}
		frame.Push(LongValue(v))
	case OpLand:
		longBinary(frame, func(a, b int64) int64 { return a & b })
	case OpLor:
		longBinary(frame, func(a, b int64) int64 { return a | b })
	case OpLxor:
		longBinary(frame, func(a, b int64) int64 { return a ^ b })

	// --- Floating point arithmetic ---
	case OpFadd:
		floatBinary(frame, func(a, b float32) float32 { return a + b })
	case OpFsub:
		floatBinary(frame, func(a, b float32) float32 { return a - b })
	case OpFmul:
		floatBinary(frame, func(a, b float32) float32 { return a * b })
	case OpFdiv:
		floatBinary(frame, func(a, b float32) float32 { return a / b })
	case OpFrem:
		floatBinary(frame, func(a, b float32) float32 { return float32(math.Mod(float64(a), float64(b))) })
	case OpFneg:
		frame.Push(FloatValue(-frame.PopFloat()))
	case OpDadd:
		doubleBinary(frame, func(a, b float64) float64 { return a + b })
	case OpDsub:
		doubleBinary(frame, func(a, b float64) float64 { return a - b })
	case OpDmul:
		doubleBinary(frame, func(a, b float64) float64 { return a * b })
	case OpDdiv:
		doubleBinary(frame, func(a, b float64) float64 { return a / b })
	case OpDrem:
		doubleBinary(frame, math.Mod)
	case OpDneg:
		frame.Push(DoubleValue(-frame.PopDouble()))

	case OpIinc:
		index := int(frame.ReadU8())
		delta := int32(frame.ReadI8())
		frame.SetLocal(index, IntValue(frame.load(index, KindInt).Int()+delta))

	// --- Conversions ---
	case OpI2l:
		frame.Push(LongValue(int64(frame.PopInt())))
	case OpI2f:
		frame.Push(FloatValue(float32(frame.PopInt())))
	case OpI2d:
		frame.Push(DoubleValue(float64(frame.PopInt())))
	case OpL2i:
		frame.Push(IntValue(int32(frame.PopLong())))
	case OpL2f:
		frame.Push(FloatValue(float32(frame.PopLong())))
	case OpL2d:
		frame.Push(DoubleValue(float64(frame.PopLong())))
	case OpF2i:
		frame.Push(IntValue(toInt32(float64(frame.PopFloat()))))
	case OpF2l:
		frame.Push(LongValue(toInt64(float64(frame.PopFloat()))))
	case OpF2d:
		frame.Push(DoubleValue(float64(frame.PopFloat())))
	case OpD2i:
		frame.Push(IntValue(toInt32(frame.PopDouble())))
	case OpD2l:
		frame.Push(LongValue(toInt64(frame.PopDouble())))
	case OpD2f:
		frame.Push(FloatValue(float32(frame.PopDouble())))
	case OpI2b:
		frame.Push(IntValue(int32(int8(frame.PopInt()))))
	case OpI2c:
		frame.Push(IntValue(int32(uint16(frame.PopInt()))))
	case OpI2s:
		frame.Push(IntValue(int32(int16(frame.PopInt()))))

	// --- Comparisons ---
	case OpLcmp:
		b, a := frame.PopLong(), frame.PopLong()
		frame.Push(IntValue(compare(a < b, a > b)))

	case OpFcmpl, OpFcmpg:
		b, a := frame.PopFloat(), frame.PopFloat()
		frame.Push(IntValue(compareFloat(float64(a), float64(b), opcode == OpFcmpg)))

	case OpDcmpl, OpDcmpg:
		b, a := frame.PopDouble(), frame.PopDouble()
		frame.Push(IntValue(compareFloat(a, b, opcode == OpDcmpg)))

	// --- Comparison and branch ---
	case OpIfeq:
		branch(frame, frame.PopInt() == 0)
	case OpIfne:
		branch(frame, frame.PopInt() != 0)
	case OpIflt:
		branch(frame, frame.PopInt() < 0)
	case OpIfge:
		branch(frame, frame.PopInt() >= 0)
	case OpIfgt:
		branch(frame, frame.PopInt() > 0)
	case OpIfle:
		branch(frame, frame.PopInt() <= 0)

	case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple:
		b, a := frame.PopInt(), frame.PopInt()
		var taken bool
		switch opcode {
		case OpIfIcmpeq:
			taken = a == b
		case OpIfIcmpne:
			taken = a != b
		case OpIfIcmplt:
			taken = a < b
		case OpIfIcmpge:
			taken = a >= b
		case OpIfIcmpgt:
			taken = a > b
		default:
			taken = a <= b
		}
		branch(frame, taken)

	case OpIfAcmpeq:
		b, a := frame.PopRef(), frame.PopRef()
		branch(frame, a.Handle() == b.Handle())
	case OpIfAcmpne:
		b, a := frame.PopRef(), frame.PopRef()
		branch(frame, a.Handle() != b.Handle())

	case OpIfnull:
		branch(frame, frame.PopRef().IsNull())
	case OpIfnonnull:
		branch(frame, !frame.PopRef().IsNull())

	case OpGoto:
		branch(frame, true)

	case OpGotoW:
		branchPC := frame.PC - 1
		offset := frame.ReadI32()
		frame.PC = branchPC + int(offset)

	case OpTableswitch:
		// PC of the tableswitch opcode
		opcodePC := frame.PC - 1
		// Padding to align to 4-byte boundary
		for frame.PC%4 != 0 {
			frame.PC++
		}
		defaultOffset := frame.ReadI32()
		low := frame.ReadI32()
		high := frame.ReadI32()
		if high < low {
			throw(CodeFrame, "tableswitch: high %d below low %d", high, low)
		}
		table := frame.PC
		if int64(table)+4*(int64(high)-int64(low)+1) > int64(len(frame.Code)) {
			throw(CodeFrame, "tableswitch: jump table past end of code")
		}
		index := frame.PopInt()
		if index >= low && index <= high {
			frame.PC = table + 4*int(int64(index)-int64(low))
			frame.PC = opcodePC + int(frame.ReadI32())
		} else {
			frame.PC = opcodePC + int(defaultOffset)
		}

	case OpLookupswitch:
		opcodePC := frame.PC - 1
		for frame.PC%4 != 0 {
			frame.PC++
		}
		defaultOffset := frame.ReadI32()
		npairs := frame.ReadI32()
		if npairs < 0 {
			throw(CodeFrame, "lookupswitch: negative pair count %d", npairs)
		}
		key := frame.PopInt()
		target := opcodePC + int(defaultOffset)
		for i := int32(0); i < npairs; i++ {
			match := frame.ReadI32()
			offset := frame.ReadI32()
			if key == match {
				target = opcodePC + int(offset)
				break
			}
		}
		frame.PC = target

	// --- Return ---
	case OpIreturn:
		return vm.returnValue(frame, frame.pop(KindInt))
	case OpLreturn:
		return vm.returnValue(frame, frame.pop(KindLong))
	case OpFreturn:
		return vm.returnValue(frame, frame.pop(KindFloat))
	case OpDreturn:
		return vm.returnValue(frame, frame.pop(KindDouble))
	case OpAreturn:
		return vm.returnValue(frame, frame.PopRef())
	case OpReturn:
		return vm.returnValue(frame, Value{})

	// --- Method invocation and field access ---
	case OpGetstatic:
		vm.executeGetstatic(frame)
	case OpPutstatic:
		vm.executePutstatic(frame)
	case OpGetfield:
		vm.executeGetfield(frame)
	case OpPutfield:
		vm.executePutfield(frame)

	case OpInvokevirtual:
		return Value{}, false, vm.executeInvoke(frame, invokeVirtual)
	case OpInvokespecial:
		return Value{}, false, vm.executeInvoke(frame, invokeSpecial)
	case OpInvokestatic:
		return Value{}, false, vm.executeInvoke(frame, invokeStatic)
	case OpInvokeinterface:
		return Value{}, false, vm.executeInvoke(frame, invokeInterface)

	case OpNew:
		vm.executeNew(frame)

	case OpNewarray:
		atype := frame.ReadU8()
		elem, desc, ok := primitiveArrayType(atype)
		if !ok {
			throw(CodeTypeMismatch, "newarray: invalid element type %d", atype)
		}
		count := frame.PopInt()
		arr, err := vm.heap.NewArray(elem, desc, int(count))
		raise(err)
		frame.Push(ArrayRef(arr.Handle))

	case OpAnewarray:
		name := className(frame, frame.ReadU16())
		count := frame.PopInt()
		arr, err := vm.heap.NewArray(KindObject, arrayDescriptor(name), int(count))
		raise(err)
		frame.Push(ArrayRef(arr.Handle))

	case OpArraylength:
		ref := frame.PopRef()
		if ref.IsNull() {
			throw(CodeNullObjRef, "arraylength")
		}
		arr := vm.heap.Get(ref.Handle())
		if arr == nil {
			throw(CodeNotObjRef, "arraylength: dangling reference %s", ref)
		}
		if arr.Kind != KindArray {
			throw(CodeTypeMismatch, "arraylength: %s is not an array", ref)
		}
		frame.Push(IntValue(int32(arr.Len())))

	case OpAthrow:
		ref := frame.PopRef()
		if ref.IsNull() {
			throw(CodeNullObjRef, "athrow")
		}
		obj := vm.heap.Get(ref.Handle())
		if obj == nil {
			throw(CodeNotObjRef, "athrow: dangling reference %s", ref)
		}
		if obj.Kind != KindObject {
			throw(CodeTypeMismatch, "athrow: %s is not an object", ref)
		}
		return Value{}, false, &Error{Code: CodeException, Detail: obj.ClassName(), Exception: obj.Handle}

	case OpCheckcast:
		name := className(frame, frame.ReadU16())
		ref := frame.Peek()
		if !ref.Kind().IsRef() {
			throw(CodeNotObjRef, "checkcast: %s", ref.Kind())
		}
		if !ref.IsNull() && !vm.instanceOf(ref, name) {
			throw(CodeClassCast, "%s cannot be cast to %s", vm.heap.Get(ref.Handle()).ClassName(), name)
		}

	case OpInstanceof:
		name := className(frame, frame.ReadU16())
		ref := frame.PopRef()
		if !ref.IsNull() && vm.instanceOf(ref, name) {
			frame.Push(IntValue(1))
		} else {
			frame.Push(IntValue(0))
		}

	case OpMonitorenter, OpMonitorexit:
		// single-threaded: only the null check remains
		if frame.PopRef().IsNull() {
			throw(CodeNullObjRef, "monitor")
		}

	case OpWide:
		vm.executeWide(frame)

	default:
		throw(CodeUnknownOpcode, "0x%02X at PC=%d", opcode, frame.PC-1)
	}

	return Value{}, false, nil
}

// executeWide handles the wide prefix for local variable instructions.
func (vm *VM) executeWide(frame *Frame) {
	op := frame.ReadU8()
	index := int(frame.ReadU16())
	switch op {
	case OpIload:
		frame.Push(frame.load(index, KindInt))
	case OpLload:
		frame.Push(frame.load(index, KindLong))
	case OpFload:
		frame.Push(frame.load(index, KindFloat))
	case OpDload:
		frame.Push(frame.load(index, KindDouble))
	case OpAload:
		frame.Push(frame.load(index, KindObject))
	case OpIstore:
		frame.SetLocal(index, frame.pop(KindInt))
	case OpLstore:
		frame.SetLocal(index, frame.pop(KindLong))
	case OpFstore:
		frame.SetLocal(index, frame.pop(KindFloat))
	case OpDstore:
		frame.SetLocal(index, frame.pop(KindDouble))
	case OpAstore:
		frame.SetLocal(index, frame.PopRef())
	case OpIinc:
		delta := int32(frame.ReadI16())
		frame.SetLocal(index, IntValue(frame.load(index, KindInt).Int()+delta))
	default:
		throw(CodeUnknownOpcode, "wide 0x%02X at PC=%d", op, frame.PC-4)
	}
}

func (vm *VM) dup2x2(frame *Frame) {
	v1 := frame.Pop()
	if v1.Kind().Wide() {
		v2 := frame.Pop()
		if v2.Kind().Wide() {
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			return
		}
		v3 := narrowSlot(frame.Pop())
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)
		return
	}
	v2 := narrowSlot(frame.Pop())
	v3 := frame.Pop()
	if v3.Kind().Wide() {
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)
		return
	}
	v4 := narrowSlot(frame.Pop())
	frame.Push(v2)
	frame.Push(v1)
	frame.Push(v4)
	frame.Push(v3)
	frame.Push(v2)
	frame.Push(v1)
}

// narrowSlot rejects long and double values where an instruction works on
// single-word values.
func narrowSlot(v Value) Value {
	if v.Kind().Wide() {
		throw(CodeTypeMismatch, "%s used as a single-word value", v.Kind())
	}
	return v
}

func intBinary(frame *Frame, op func(a, b int32) int32) {
	b, a := frame.PopInt(), frame.PopInt()
	frame.Push(IntValue(op(a, b)))
}

func longBinary(frame *Frame, op func(a, b int64) int64) {
	b, a := frame.PopLong(), frame.PopLong()
	frame.Push(LongValue(op(a, b)))
}

func floatBinary(frame *Frame, op func(a, b float32) float32) {
	b, a := frame.PopFloat(), frame.PopFloat()
	frame.Push(FloatValue(op(a, b)))
}

func doubleBinary(frame *Frame, op func(a, b float64) float64) {
	b, a := frame.PopDouble(), frame.PopDouble()
	frame.Push(DoubleValue(op(a, b)))
}

func compare(less, greater bool) int32 {
	switch {
	case greater:
		return 1
	case less:
		return -1
	}
	return 0
}

// compareFloat implements fcmp and dcmp; nanGreater selects the g variant.
func compareFloat(a, b float64, nanGreater bool) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if nanGreater {
			return 1
		}
		return -1
	}
	return compare(a < b, a > b)
}

// toInt32 converts with saturation; NaN becomes 0.
func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func toInt64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// branch reads a 16-bit offset relative to the branch opcode and jumps if
// taken.
func branch(frame *Frame, taken bool) {
	branchPC := frame.PC - 1 // PC of the branch instruction
	offset := frame.ReadI16()
	if taken {
		frame.PC = branchPC + int(offset)
	}
}

func (vm *VM) returnValue(frame *Frame, v Value) (Value, bool, error) {
	if frame.Method != nil {
		desc := frame.Method.Descriptor
		if classfile.IsVoidReturn(desc) {
			if v.Kind() != KindEmpty {
				throw(CodeTypeMismatch, "value returned from void method %s", frame.Method.Name)
			}
		} else if ret := desc[strings.LastIndexByte(desc, ')')+1:]; !assignable(ret, v) {
			throw(CodeTypeMismatch, "%s returned from %s%s", v.Kind(), frame.Method.Name, desc)
		}
	}
	return v, true, nil
}

// ldc pushes a loadable constant. wide selects ldc2_w, which only accepts
// long and double constants.
func (vm *VM) ldc(frame *Frame, index uint16, wide bool) {
	pool := constantPool(frame)
	entry, err := pool.Entry(index)
	if err != nil {
		throw(CodeBadConstant, "ldc #%d: %v", index, err)
	}
	var v Value
	switch c := entry.(type) {
	case *classfile.ConstantInteger:
		v = IntValue(c.Value)
	case *classfile.ConstantFloat:
		v = FloatValue(c.Value)
	case *classfile.ConstantLong:
		v = LongValue(c.Value)
	case *classfile.ConstantDouble:
		v = DoubleValue(c.Value)
	case *classfile.ConstantString:
		s, err := pool.Utf8(c.StringIndex)
		if err != nil {
			throw(CodeBadConstant, "ldc #%d: %v", index, err)
		}
		obj, err := vm.heap.InternString(s)
		raise(err)
		v = StringRef(obj.Handle)
	default:
		throw(CodeBadConstant, "ldc #%d: tag %d is not loadable", index, entry.Tag())
	}
	if v.Kind().Wide() != wide {
		throw(CodeBadConstant, "ldc #%d: %s constant with the wrong ldc form", index, v.Kind())
	}
	frame.Push(v)
}

func constantPool(frame *Frame) classfile.ConstantPool {
	if frame.Class == nil {
		throw(CodeBadConstant, "frame has no constant pool")
	}
	return frame.Class.ConstantPool
}

func className(frame *Frame, index uint16) string {
	name, err := constantPool(frame).ClassName(index)
	if err != nil {
		throw(CodeBadConstant, "#%d: %v", index, err)
	}
	return name
}

// raise rethrows an error from a helper inside the dispatch loop.
func raise(err error) {
	if err == nil {
		return
	}
	var e *Error
	if errors.As(err, &e) {
		panic(e)
	}
	panic(newError(CodeBadConstant, "%s", err))
}

// arrayElem returns the array referenced by ref after checking that its
// element kind fits the instruction.
func (vm *VM) arrayElem(ref Value, elem Kind) *Object {
	if ref.IsNull() {
		throw(CodeNullObjRef, "array access")
	}
	arr := vm.heap.Get(ref.Handle())
	if arr == nil {
		throw(CodeNotObjRef, "array access: dangling reference %s", ref)
	}
	if arr.Kind != KindArray {
		throw(CodeTypeMismatch, "%s is not an array", ref)
	}
	ok := arr.ElemKind == elem ||
		(elem == KindByte && arr.ElemKind == KindBool) ||
		(elem == KindObject && arr.ElemKind.IsRef())
	if !ok {
		throw(CodeTypeMismatch, "%s access to %s array", elem, arr.ElemKind)
	}
	return arr
}

func checkIndex(arr *Object, index int32) int {
	if index < 0 || int(index) >= arr.Len() {
		throw(CodeArrayOutOfBounds, "index %d, length %d", index, arr.Len())
	}
	return int(index)
}

func (vm *VM) arrayLoad(frame *Frame, elem Kind) {
	index := frame.PopInt()
	arr := vm.arrayElem(frame.PopRef(), elem)
	i := checkIndex(arr, index)
	if elem == KindObject {
		frame.Push(vm.heap.refValue(Handle(arr.Fields[i])))
		return
	}
	frame.Push(primitiveValue(arr.ElemKind, arr.Fields[i]))
}

func (vm *VM) arrayStore(frame *Frame, elem Kind) {
	var v Value
	if elem == KindObject {
		v = frame.PopRef()
	} else {
		v = frame.pop(stackKind(elem))
	}
	index := frame.PopInt()
	arr := vm.arrayElem(frame.PopRef(), elem)
	i := checkIndex(arr, index)
	if elem == KindObject {
		arr.setRef(i, v.Handle())
		return
	}
	arr.Fields[i] = narrow(arr.ElemKind, v)
}

// primitiveArrayType decodes the newarray atype operand.
func primitiveArrayType(atype uint8) (Kind, string, bool) {
	switch atype {
	case 4:
		return KindBool, "[Z", true
	case 5:
		return KindChar, "[C", true
	case 6:
		return KindFloat, "[F", true
	case 7:
		return KindDouble, "[D", true
	case 8:
		return KindByte, "[B", true
	case 9:
		return KindShort, "[S", true
	case 10:
		return KindInt, "[I", true
	case 11:
		return KindLong, "[J", true
	}
	return KindEmpty, "", false
}

// arrayDescriptor returns the descriptor of an array whose elements are
// of the named class or array type.
func arrayDescriptor(elem string) string {
	if strings.HasPrefix(elem, "[") {
		return "[" + elem
	}
	return "[L" + elem + ";"
}

func (vm *VM) instanceOf(ref Value, name string) bool {
	obj := vm.heap.Get(ref.Handle())
	if obj == nil {
		throw(CodeNotObjRef, "dangling reference %s", ref)
	}
	ok, err := vm.bundle.IsInstanceOf(obj, name)
	raise(err)
	return ok
}
