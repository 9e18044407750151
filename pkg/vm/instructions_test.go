package vm

import (
	"context"
	"math"
	"testing"
)

// execute runs raw bytecode in a frame with no class and returns the value
// of the first return instruction. args are stored into consecutive locals.
func execute(t *testing.T, code []byte, args ...Value) (Value, *VM, error) {
	t.Helper()
	v := New()
	frame := NewFrame(4, 10, code, nil, v.Heap())
	placeArgs(frame, args)
	ret, err := v.Execute(context.Background(), frame)
	return ret, v, err
}

// executeAndGetInt runs bytecode that ends in ireturn and returns the result.
func executeAndGetInt(t *testing.T, code []byte, args ...Value) int32 {
	t.Helper()
	ret, _, err := execute(t, code, args...)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	if ret.Kind() != KindInt {
		t.Fatalf("return kind: got %s, want int", ret.Kind())
	}
	return ret.Int()
}

func executeAndExpect(t *testing.T, code []byte, want Code, args ...Value) {
	t.Helper()
	_, _, err := execute(t, code, args...)
	assertCode(t, err, want)
}

func TestIconstInstructions(t *testing.T) {
	tests := []struct {
		name   string
		opcode byte
		want   int32
	}{
		{"iconst_m1", OpIconstM1, -1},
		{"iconst_0", OpIconst0, 0},
		{"iconst_1", OpIconst1, 1},
		{"iconst_2", OpIconst2, 2},
		{"iconst_3", OpIconst3, 3},
		{"iconst_4", OpIconst4, 4},
		{"iconst_5", OpIconst5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executeAndGetInt(t, []byte{tt.opcode, OpIreturn})
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBipushSipush(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"bipush positive", []byte{OpBipush, 0x7F, OpIreturn}, 127},
		{"bipush negative", []byte{OpBipush, 0x80, OpIreturn}, -128},
		{"sipush positive", []byte{OpSipush, 0x12, 0x34, OpIreturn}, 0x1234},
		{"sipush negative", []byte{OpSipush, 0xFF, 0xFE, OpIreturn}, -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIntArithmetic(t *testing.T) {
	// iload_0, iload_1, <op>, ireturn
	tests := []struct {
		name   string
		opcode byte
		a, b   int32
		want   int32
	}{
		{"iadd", OpIadd, 2, 3, 5},
		{"iadd overflow", OpIadd, math.MaxInt32, 1, math.MinInt32},
		{"isub", OpIsub, 10, 3, 7},
		{"imul", OpImul, 6, 7, 42},
		{"idiv", OpIdiv, 7, 2, 3},
		{"idiv negative", OpIdiv, -7, 2, -3},
		{"idiv MinInt32 by -1", OpIdiv, math.MinInt32, -1, math.MinInt32},
		{"irem", OpIrem, 7, 3, 1},
		{"irem negative", OpIrem, -7, 3, -1},
		{"irem MinInt32 by -1", OpIrem, math.MinInt32, -1, 0},
		{"ishl", OpIshl, 1, 4, 16},
		{"ishl masks count", OpIshl, 1, 33, 2},
		{"ishr", OpIshr, -16, 2, -4},
		{"iushr", OpIushr, -1, 28, 15},
		{"iand", OpIand, 0b1100, 0b1010, 0b1000},
		{"ior", OpIor, 0b1100, 0b1010, 0b1110},
		{"ixor", OpIxor, 0b1100, 0b1010, 0b0110},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := []byte{OpIload0, OpIload0 + 1, tt.opcode, OpIreturn}
			got := executeAndGetInt(t, code, IntValue(tt.a), IntValue(tt.b))
			if got != tt.want {
				t.Errorf("%d %s %d: got %d, want %d", tt.a, tt.name, tt.b, got, tt.want)
			}
		})
	}

	t.Run("ineg", func(t *testing.T) {
		if got := executeAndGetInt(t, []byte{OpIconst5, OpIneg, OpIreturn}); got != -5 {
			t.Errorf("got %d, want -5", got)
		}
	})
}

func TestDivideByZero(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"idiv", []byte{OpIconst1, OpIconst0, OpIdiv, OpIreturn}},
		{"irem", []byte{OpIconst1, OpIconst0, OpIrem, OpIreturn}},
		{"ldiv", []byte{OpLconst1, OpLconst0, OpLdiv, OpL2i, OpIreturn}},
		{"lrem", []byte{OpLconst1, OpLconst0, OpLrem, OpL2i, OpIreturn}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executeAndExpect(t, tt.code, CodeArithmetic)
		})
	}

	t.Run("fdiv yields infinity", func(t *testing.T) {
		ret, _, err := execute(t, []byte{OpFconst1, OpFconst0, OpFdiv, OpFreturn})
		if err != nil {
			t.Fatal(err)
		}
		if !math.IsInf(float64(ret.Float()), 1) {
			t.Errorf("got %v, want +Inf", ret.Float())
		}
	})
}

func TestLongFloatDouble(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"ladd", []byte{OpLconst1, OpLconst1, OpLadd, OpL2i, OpIreturn}, 2},
		{"lshl/lushr", []byte{OpLconst1, OpBipush, 40, OpLshl, OpBipush, 40, OpLushr, OpL2i, OpIreturn}, 1},
		{"lneg", []byte{OpLconst1, OpLneg, OpL2i, OpIreturn}, -1},
		{"lcmp less", []byte{OpLconst0, OpLconst1, OpLcmp, OpIreturn}, -1},
		{"lcmp equal", []byte{OpLconst1, OpLconst1, OpLcmp, OpIreturn}, 0},
		{"lcmp greater", []byte{OpLconst1, OpLconst0, OpLcmp, OpIreturn}, 1},
		{"fmul", []byte{OpFconst2, OpFconst2, OpFmul, OpF2i, OpIreturn}, 4},
		{"fcmpl NaN", []byte{OpFconst0, OpFconst0, OpFdiv, OpFconst1, OpFcmpl, OpIreturn}, -1},
		{"fcmpg NaN", []byte{OpFconst0, OpFconst0, OpFdiv, OpFconst1, OpFcmpg, OpIreturn}, 1},
		{"dadd", []byte{OpDconst1, OpDconst1, OpDadd, OpD2i, OpIreturn}, 2},
		{"dcmpg", []byte{OpDconst1, OpDconst0, OpDcmpg, OpIreturn}, 1},
		{"drem", []byte{OpIconst5, OpI2d, OpIconst2, OpI2d, OpDrem, OpD2i, OpIreturn}, 1},
		{"f2l", []byte{OpFconst2, OpF2l, OpL2i, OpIreturn}, 2},
		{"i2l/l2f/f2d/d2l", []byte{OpIconst3, OpI2l, OpL2f, OpF2d, OpD2l, OpL2i, OpIreturn}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNarrowingConversions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"i2b", []byte{OpSipush, 0x01, 0x80, OpI2b, OpIreturn}, -128},
		{"i2c", []byte{OpIconstM1, OpI2c, OpIreturn}, 65535},
		{"i2s", []byte{OpSipush, 0x7F, 0xFF, OpIconst1, OpIadd, OpI2s, OpIreturn}, -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSaturatingConversion(t *testing.T) {
	tests := []struct {
		in     float64
		want32 int32
		want64 int64
	}{
		{math.NaN(), 0, 0},
		{1e20, math.MaxInt32, math.MaxInt64},
		{-1e20, math.MinInt32, math.MinInt64},
		{math.Inf(1), math.MaxInt32, math.MaxInt64},
		{math.Inf(-1), math.MinInt32, math.MinInt64},
		{3.9, 3, 3},
		{-3.9, -3, -3},
	}

	for _, tt := range tests {
		if got := toInt32(tt.in); got != tt.want32 {
			t.Errorf("toInt32(%v): got %d, want %d", tt.in, got, tt.want32)
		}
		if got := toInt64(tt.in); got != tt.want64 {
			t.Errorf("toInt64(%v): got %d, want %d", tt.in, got, tt.want64)
		}
	}
}

func TestIinc(t *testing.T) {
	code := asm(
		ins(OpIconst5),
		ins(OpIstore0),
		ins(OpIinc, 0, 0xFE), // local0 += -2
		ins(OpIload0),
		ins(OpIreturn),
	)
	if got := executeAndGetInt(t, code); got != 3 {
		t.Errorf("got %d, want 3", got)
	}

	wide := asm(
		ins(OpIconst0),
		ins(OpIstore0),
		ins(OpWide, OpIinc, 0, 0, 0x03, 0xE8), // local0 += 1000
		ins(OpWide, OpIload, 0, 0),
		ins(OpIreturn),
	)
	if got := executeAndGetInt(t, wide); got != 1000 {
		t.Errorf("wide: got %d, want 1000", got)
	}
}

func TestConditionalBranch(t *testing.T) {
	// 0: <cond> 1: ifeq +5 4: iconst_1 5: ireturn 6: iconst_2 7: ireturn
	tests := []struct {
		name   string
		branch byte
		value  byte
		want   int32
	}{
		{"ifeq taken", OpIfeq, OpIconst0, 2},
		{"ifeq not taken", OpIfeq, OpIconst1, 1},
		{"ifne taken", OpIfne, OpIconst1, 2},
		{"iflt taken", OpIflt, OpIconstM1, 2},
		{"iflt not taken", OpIflt, OpIconst0, 1},
		{"ifge taken", OpIfge, OpIconst0, 2},
		{"ifgt not taken", OpIfgt, OpIconst0, 1},
		{"ifle taken", OpIfle, OpIconst0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := asm(ins(tt.value), ref(tt.branch, 5), ins(OpIconst1), ins(OpIreturn), ins(OpIconst2), ins(OpIreturn))
			if got := executeAndGetInt(t, code); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("ifnull", func(t *testing.T) {
		code := asm(ins(OpAconstNull), ref(OpIfnull, 5), ins(OpIconst1), ins(OpIreturn), ins(OpIconst2), ins(OpIreturn))
		if got := executeAndGetInt(t, code); got != 2 {
			t.Errorf("got %d, want 2", got)
		}
	})
}

func TestLoopSum(t *testing.T) {
	// int sum = 0; for (int i = 1; i <= 10; i++) sum += i; return sum;
	code := asm(
		ins(OpIconst0),
		ins(OpIstore0),
		ins(OpIconst1),
		ins(OpIstore0+1),
		// 4: loop head
		ins(OpIload0+1),
		ins(OpBipush, 10),
		// 7: exit to 20
		ref(OpIfIcmpgt, 13),
		ins(OpIload0),
		ins(OpIload0+1),
		ins(OpIadd),
		ins(OpIstore0),
		ins(OpIinc, 1, 1),
		// 17: back to 4
		ref(OpGoto, 0xFFF3),
		// 20
		ins(OpIload0),
		ins(OpIreturn),
	)
	if got := executeAndGetInt(t, code); got != 55 {
		t.Errorf("got %d, want 55", got)
	}
}

func TestSwitch(t *testing.T) {
	i32 := func(v int32) []byte {
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}

	// オフセットは switch 命令 (PC=1) からの相対値
	tableswitch := asm(
		ins(OpIload0),
		ins(OpTableswitch, 0, 0),
		i32(27),
		i32(0), i32(2),
		i32(29), i32(32), i32(35),
		ins(OpIconstM1), ins(OpIreturn),
		ins(OpBipush, 10), ins(OpIreturn),
		ins(OpBipush, 20), ins(OpIreturn),
		ins(OpBipush, 30), ins(OpIreturn),
	)

	lookupswitch := asm(
		ins(OpIload0),
		ins(OpLookupswitch, 0, 0),
		i32(27),
		i32(2),
		i32(10), i32(29),
		i32(100), i32(31),
		ins(OpIconst0), ins(OpIreturn),
		ins(OpIconst1), ins(OpIreturn),
		ins(OpIconst2), ins(OpIreturn),
	)

	tests := []struct {
		name string
		code []byte
		in   int32
		want int32
	}{
		{"tableswitch 0", tableswitch, 0, 10},
		{"tableswitch 1", tableswitch, 1, 20},
		{"tableswitch 2", tableswitch, 2, 30},
		{"tableswitch above", tableswitch, 5, -1},
		{"tableswitch below", tableswitch, -1, -1},
		{"lookupswitch 10", lookupswitch, 10, 1},
		{"lookupswitch 100", lookupswitch, 100, 2},
		{"lookupswitch default", lookupswitch, 7, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code, IntValue(tt.in)); got != tt.want {
				t.Errorf("switch(%d): got %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestStackInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"dup", []byte{OpIconst3, OpDup, OpIadd, OpIreturn}, 6},
		{"swap", []byte{OpIconst1, OpIconst2, OpSwap, OpIsub, OpIreturn}, 1},
		{"pop", []byte{OpIconst1, OpIconst2, OpPop, OpIreturn}, 1},
		{"pop2 of two ints", []byte{OpIconst1, OpIconst2, OpIconst3, OpPop2, OpIreturn}, 1},
		{"pop2 of a long", []byte{OpIconst1, OpLconst1, OpPop2, OpIreturn}, 1},
		{"dup_x1", []byte{OpIconst1, OpIconst2, OpDupX1, OpIsub, OpIadd, OpIreturn}, 1},
		{"dup_x2", []byte{OpIconst1, OpIconst2, OpIconst3, OpDupX2, OpIadd, OpIadd, OpImul, OpIreturn}, 18},
		{"dup2 of a long", []byte{OpLconst1, OpDup2, OpLadd, OpL2i, OpIreturn}, 2},
		{"dup2 of two ints", []byte{OpIconst1, OpIconst2, OpDup2, OpIadd, OpIadd, OpIadd, OpIreturn}, 6},
		{"dup2_x1 of a long", []byte{OpIconst3, OpLconst1, OpDup2X1, OpPop2, OpPop, OpL2i, OpIreturn}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInstructionSignals(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Code
	}{
		{"pop of a long", []byte{OpLconst1, OpPop, OpReturn}, CodeTypeMismatch},
		{"ladd on int", []byte{OpIconst1, OpLconst1, OpLadd, OpReturn}, CodeTypeMismatch},
		{"iadd on null", []byte{OpAconstNull, OpIconst1, OpIadd, OpReturn}, CodeTypeMismatch},
		{"iload of empty local", []byte{OpIload0, OpIreturn}, CodeTypeMismatch},
		{"aload of int local", []byte{OpIconst1, OpIstore0, OpAload0, OpAreturn}, CodeNotObjRef},
		{"lload after its second slot is overwritten", []byte{
			OpLconst1, OpLstore0, OpIconst5, OpIstore0 + 1, OpLload0, OpLreturn,
		}, CodeTypeMismatch},
		{"dload after its second slot is overwritten", []byte{
			OpDconst1, OpDstore0 + 1, OpAconstNull, OpAstore0 + 2, OpDload0 + 1, OpDreturn,
		}, CodeTypeMismatch},
		{"operand stack overflow", []byte{
			OpIconst0, OpIconst0, OpIconst0, OpIconst0, OpIconst0, OpIconst0,
			OpIconst0, OpIconst0, OpIconst0, OpIconst0, OpIconst0, OpReturn,
		}, CodeFrame},
		{"operand stack underflow", []byte{OpIadd, OpIreturn}, CodeFrame},
		{"local out of range", []byte{OpIload, 200, OpIreturn}, CodeFrame},
		{"unknown opcode", []byte{0xCB}, CodeUnknownOpcode},
		{"jsr is unsupported", []byte{0xA8, 0x00, 0x03}, CodeUnknownOpcode},
		{"falls off the end", []byte{OpIconst1}, CodeFrame},
		{"truncated operand", []byte{OpSipush, 0x01}, CodeFrame},
		{"branch outside code", []byte{OpGoto, 0x00, 0x40}, CodeFrame},
		{"ldc without a class", []byte{OpLdc, 1, OpIreturn}, CodeBadConstant},
		{"monitorenter on null", []byte{OpAconstNull, OpMonitorenter, OpReturn}, CodeNullObjRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executeAndExpect(t, tt.code, tt.want)
		})
	}
}

func TestArrayInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"iastore/iaload", asm(
			ins(OpIconst3), ins(OpNewarray, 10), ins(OpAstore0),
			ins(OpAload0), ins(OpIconst1), ins(OpBipush, 42), ins(OpIastore),
			ins(OpAload0), ins(OpIconst1), ins(OpIaload), ins(OpIreturn),
		), 42},
		{"arraylength", asm(ins(OpIconst3), ins(OpNewarray, 10), ins(OpArraylength), ins(OpIreturn)), 3},
		{"zero length", asm(ins(OpIconst0), ins(OpNewarray, 10), ins(OpArraylength), ins(OpIreturn)), 0},
		{"bastore narrows", asm(
			ins(OpIconst1), ins(OpNewarray, 8), ins(OpAstore0),
			ins(OpAload0), ins(OpIconst0), ins(OpSipush, 0x00, 0xFF), ins(OpBastore),
			ins(OpAload0), ins(OpIconst0), ins(OpBaload), ins(OpIreturn),
		), -1},
		{"castore narrows", asm(
			ins(OpIconst1), ins(OpNewarray, 5), ins(OpAstore0),
			ins(OpAload0), ins(OpIconst0), ins(OpIconstM1), ins(OpCastore),
			ins(OpAload0), ins(OpIconst0), ins(OpCaload), ins(OpIreturn),
		), 65535},
		{"new elements are zero", asm(
			ins(OpIconst2), ins(OpNewarray, 11),
			ins(OpIconst1), ins(OpLaload), ins(OpL2i), ins(OpIreturn),
		), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executeAndGetInt(t, tt.code); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	signals := []struct {
		name string
		code []byte
		want Code
	}{
		{"index past end", asm(ins(OpIconst3), ins(OpNewarray, 10), ins(OpIconst3), ins(OpIaload), ins(OpIreturn)), CodeArrayOutOfBounds},
		{"negative index", asm(ins(OpIconst3), ins(OpNewarray, 10), ins(OpIconstM1), ins(OpIaload), ins(OpIreturn)), CodeArrayOutOfBounds},
		{"negative size", asm(ins(OpIconstM1), ins(OpNewarray, 10), ins(OpReturn)), CodeArrayOutOfBounds},
		{"caload on int array", asm(ins(OpIconst1), ins(OpNewarray, 10), ins(OpIconst0), ins(OpCaload), ins(OpIreturn)), CodeTypeMismatch},
		{"invalid atype", asm(ins(OpIconst1), ins(OpNewarray, 3), ins(OpReturn)), CodeTypeMismatch},
		{"arraylength of null", asm(ins(OpAconstNull), ins(OpArraylength), ins(OpIreturn)), CodeNullObjRef},
		{"iaload of null", asm(ins(OpAconstNull), ins(OpIconst0), ins(OpIaload), ins(OpIreturn)), CodeNullObjRef},
	}

	for _, tt := range signals {
		t.Run(tt.name, func(t *testing.T) {
			executeAndExpect(t, tt.code, tt.want)
		})
	}
}

func TestReturnKinds(t *testing.T) {
	ret, _, err := execute(t, []byte{OpLconst1, OpLreturn})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Kind() != KindLong || ret.Long() != 1 {
		t.Errorf("lreturn: got %v", ret)
	}

	ret, _, err = execute(t, []byte{OpDconst1, OpDreturn})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Kind() != KindDouble || ret.Double() != 1 {
		t.Errorf("dreturn: got %v", ret)
	}

	ret, _, err = execute(t, []byte{OpReturn})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Kind() != KindEmpty {
		t.Errorf("return: got %v, want empty", ret)
	}

	executeAndExpect(t, []byte{OpIconst1, OpLreturn}, CodeTypeMismatch)
}
