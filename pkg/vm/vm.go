package vm

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/daimatz/rjvm/pkg/classfile"
	"github.com/daimatz/rjvm/pkg/config"
)

// defaultMaxFrameDepth is the maximum number of nested method calls.
const defaultMaxFrameDepth = 1024

// Option configures a VM.
type Option func(*VM)

// WithMaxFrameDepth bounds call nesting. Deeper calls fail with
// ErrStackOverflow.
func WithMaxFrameDepth(n int) Option {
	return func(vm *VM) { vm.maxFrameDepth = n }
}

// WithMaxInstructions bounds the instructions one Execute call may run.
// 0 means unlimited.
func WithMaxInstructions(n int64) Option {
	return func(vm *VM) { vm.maxInstructions = n }
}

// WithMaxObjects bounds the number of live heap objects. 0 means unlimited.
func WithMaxObjects(n int) Option {
	return func(vm *VM) { vm.maxObjects = n }
}

// WithMethodCacheSize sets the size of the bundle's method resolution cache.
func WithMethodCacheSize(n int) Option {
	return func(vm *VM) { vm.cacheSize = n }
}

// WithClassLoader sets the loader consulted for classes missing from the
// bundle.
func WithClassLoader(cl ClassLoader) Option {
	return func(vm *VM) { vm.loader = cl }
}

func WithLogger(log commonlog.Logger) Option {
	return func(vm *VM) { vm.log = log }
}

// VM is the virtual machine that executes class-file bytecode. A VM is not
// safe for concurrent use; run independent VMs instead.
type VM struct {
	id     uuid.UUID
	bundle *Bundle
	heap   *Heap
	loader ClassLoader

	// statics holds static field values per declaring class, keyed by
	// name:descriptor.
	statics map[*classfile.ClassFile]map[string]Value

	maxFrameDepth   int
	maxInstructions int64
	maxObjects      int
	cacheSize       int

	frameDepth int
	executed   int64
	done       <-chan struct{}

	log commonlog.Logger
}

// New creates a VM with an empty bundle and heap.
func New(opts ...Option) *VM {
	vm := &VM{
		id:            uuid.New(),
		statics:       make(map[*classfile.ClassFile]map[string]Value),
		maxFrameDepth: defaultMaxFrameDepth,
		log:           commonlog.GetLogger("rjvm.vm"),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.bundle = NewBundle(vm.cacheSize)
	vm.heap = NewHeap(vm.maxObjects)
	vm.heap.rooted = vm.staticRoot
	return vm
}

// Reset drops every heap object and clears static field values, starting a
// new epoch. Loaded classes stay in the bundle.
func (vm *VM) Reset() {
	vm.heap.Reset()
	vm.statics = make(map[*classfile.ClassFile]map[string]Value)
	vm.log.Debugf("vm %s reset", vm.id)
}

// NewFromConfig creates a VM with the limits and class path of cfg.
func NewFromConfig(cfg *config.Config, opts ...Option) (*VM, error) {
	var chain ChainLoader
	for i, dir := range cfg.ClassPathDirs() {
		cl, err := NewPathLoader(dir, cfg.ClassPath[i].Namespace)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cl)
	}

	base := []Option{
		WithMaxFrameDepth(cfg.VM.MaxFrameDepth),
		WithMaxInstructions(cfg.VM.MaxInstructions),
		WithMaxObjects(cfg.VM.MaxObjects),
		WithMethodCacheSize(cfg.VM.MethodCacheSize),
	}
	if len(chain) > 0 {
		base = append(base, WithClassLoader(chain))
	}
	return New(append(base, opts...)...), nil
}

// ID identifies this VM instance in logs and heap snapshots.
func (vm *VM) ID() uuid.UUID { return vm.id }

func (vm *VM) Bundle() *Bundle { return vm.bundle }

func (vm *VM) Heap() *Heap { return vm.heap }

// Executed returns the number of instructions run by the last top-level
// Execute call.
func (vm *VM) Executed() int64 { return vm.executed }

// AddClass registers an already loaded class.
func (vm *VM) AddClass(cf *classfile.ClassFile, namespace string) {
	vm.bundle.Add(cf, namespace)
}

// LoadClass parses a class binary and registers it.
func (vm *VM) LoadClass(data []byte, namespace string) (*classfile.ClassFile, error) {
	cf, err := classfile.Load(data)
	if err != nil {
		vm.log.Warningf("class load failed: %s", err)
		return nil, err
	}
	vm.bundle.Add(cf, namespace)
	return cf, nil
}

// resolveClass finds name in the bundle, falling back to the class loader.
// Classes brought in by the loader have their super classes loaded too.
func (vm *VM) resolveClass(name string) (*classfile.ClassFile, error) {
	cf, err := vm.bundle.FindClass(name)
	if err == nil || vm.loader == nil {
		return cf, err
	}
	cf, ns, lerr := vm.loader.LoadClass(name)
	if lerr != nil {
		vm.log.Debugf("loader: %s", lerr)
		return nil, err
	}
	vm.log.Debugf("loaded class %s on demand", name)
	vm.bundle.Add(cf, ns)
	if super := cf.SuperClassName(); super != "" {
		// a missing super surfaces later as ErrSuperMissing
		vm.resolveClass(super)
	}
	return cf, nil
}

// CreateObject allocates an instance of className.
func (vm *VM) CreateObject(className string) (Handle, error) {
	if _, err := vm.resolveClass(className); err != nil {
		return 0, err
	}
	obj, err := vm.heap.CreateObject(vm.bundle, className)
	if err != nil {
		return 0, err
	}
	return obj.Handle, nil
}

// NewString interns s in the heap and returns a reference to it.
func (vm *VM) NewString(s string) (Value, error) {
	obj, err := vm.heap.InternString(s)
	if err != nil {
		return Value{}, err
	}
	return StringRef(obj.Handle), nil
}

// IsInstanceOf checks the object at handle against className.
func (vm *VM) IsInstanceOf(handle Handle, className string) (bool, error) {
	if handle == 0 {
		return false, newError(CodeNullObjRef, "instance-of %s", className)
	}
	obj := vm.heap.Get(handle)
	if obj == nil {
		return false, newError(CodeNotObjRef, "handle %d", handle)
	}
	return vm.bundle.IsInstanceOf(obj, className)
}

// Invoke runs className.methodName with the given arguments. Instance
// methods take the receiver as the first argument.
func (vm *VM) Invoke(ctx context.Context, className, methodName, desc string, args ...Value) (Value, error) {
	if _, err := vm.resolveClass(className); err != nil {
		return Value{}, err
	}
	cf, method, err := vm.bundle.ResolveMethod(className, methodName, desc)
	if err != nil {
		return Value{}, err
	}
	frame, err := vm.NewInvocation(cf, method, args...)
	if err != nil {
		return Value{}, err
	}
	return vm.Execute(ctx, frame)
}

// NewInvocation prepares a frame for method with args placed in its locals.
// The frame starts in StateReady.
func (vm *VM) NewInvocation(cf *classfile.ClassFile, method *classfile.MethodInfo, args ...Value) (*Frame, error) {
	if method.Code == nil {
		return nil, newError(CodeNoCode, "%s.%s%s", cf.ClassName(), method.Name, method.Descriptor)
	}
	md, err := classfile.ParseMethodDescriptor(method.Descriptor)
	if err != nil {
		return nil, newError(CodeTypeMismatch, "%s", err)
	}

	params := md.Params
	if !method.IsStatic() {
		params = append([]string{"Ljava/lang/Object;"}, params...)
	}
	if len(args) != len(params) {
		return nil, newError(CodeTypeMismatch, "%s%s takes %d arguments, got %d", method.Name, method.Descriptor, len(params), len(args))
	}
	for i, p := range params {
		if !assignable(p, args[i]) {
			return nil, newError(CodeTypeMismatch, "argument %d of %s%s: %s is not %s", i, method.Name, method.Descriptor, args[i].Kind(), p)
		}
	}
	if !method.IsStatic() && args[0].IsNull() {
		return nil, newError(CodeNullObjRef, "receiver of %s", method.Name)
	}

	frame := NewFrame(method.Code.MaxLocals, method.Code.MaxStack, method.Code.Code, cf, vm.heap)
	frame.Method = method
	if err := catch(func() { placeArgs(frame, args) }); err != nil {
		return nil, err
	}
	return frame, nil
}

// placeArgs stores arguments into consecutive locals; long and double take
// two slots each.
func placeArgs(frame *Frame, args []Value) {
	slot := 0
	for _, arg := range args {
		frame.SetLocal(slot, arg)
		slot++
		if arg.Kind().Wide() {
			slot++
		}
	}
}

// Execute runs a prepared frame to completion. The instruction budget and
// ctx apply to the whole call tree started here.
func (vm *VM) Execute(ctx context.Context, frame *Frame) (Value, error) {
	if vm.frameDepth == 0 {
		vm.executed = 0
		vm.done = ctx.Done()
	}
	ret, err := vm.executeMethod(frame)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Code == CodeException {
			vm.log.Errorf("unhandled exception %s in %s", e.Detail, vm.frameName(frame))
		} else {
			vm.log.Debugf("%s failed: %s", vm.frameName(frame), err)
		}
	}
	return ret, err
}

func (vm *VM) frameName(frame *Frame) string {
	name := "<frame>"
	if frame.Class != nil {
		name = frame.Class.ClassName()
	}
	if frame.Method != nil {
		name += "." + frame.Method.Name + frame.Method.Descriptor
	}
	return name
}

// executeMethod runs frame until it returns or unwinds. The frame's stack and
// locals are scrubbed on every exit.
func (vm *VM) executeMethod(frame *Frame) (Value, error) {
	defer frame.ScrubLocals()
	vm.frameDepth++
	defer func() { vm.frameDepth-- }()
	if vm.frameDepth > vm.maxFrameDepth {
		frame.state = StateUnwound
		return Value{}, newError(CodeStackOverflow, "frame depth exceeded %d", vm.maxFrameDepth)
	}

	frame.state = StateRunning
	for {
		if err := vm.checkBudget(); err != nil {
			frame.state = StateUnwound
			frame.ScrubStack()
			return Value{}, err
		}

		pc := frame.PC
		retVal, hasReturn, err := vm.step(frame)
		if err != nil {
			var handled bool
			if handled, err = vm.handleException(frame, pc, err); handled {
				continue
			}
			frame.ScrubStack()
			return Value{}, err
		}
		if hasReturn {
			frame.state = StateReturned
			frame.ScrubStack()
			return retVal, nil
		}
	}
}

// checkBudget runs before each instruction and counts it only when it may
// execute.
func (vm *VM) checkBudget() error {
	if vm.maxInstructions > 0 && vm.executed >= vm.maxInstructions {
		return newError(CodeTimeout, "instruction budget of %d exhausted", vm.maxInstructions)
	}
	select {
	case <-vm.done:
		return newError(CodeTimeout, "execution cancelled after %d instructions", vm.executed)
	default:
		vm.executed++
		return nil
	}
}

// step executes one instruction, turning a raised signal into an error.
func (vm *VM) step(frame *Frame) (ret Value, hasReturn bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			ret, hasReturn, err = Value{}, false, e
		}
	}()

	if frame.PC < 0 || frame.PC >= len(frame.Code) {
		throw(CodeFrame, "PC=%d outside code of length %d", frame.PC, len(frame.Code))
	}
	opcode := frame.Code[frame.PC]
	frame.PC++
	return vm.executeInstruction(frame, opcode)
}

// catch runs fn and returns any signal it raised.
func catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			err = e
		}
	}()
	fn()
	return nil
}

// handleException looks for a handler of a thrown object covering pc. Only
// objects raised by athrow are catchable; VM signals always unwind. When a
// handler's catch type cannot be checked, that signal replaces err.
func (vm *VM) handleException(frame *Frame, pc int, err error) (bool, error) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeException || e.Exception == 0 {
		frame.state = StateUnwound
		return false, err
	}
	frame.state = StateException

	obj := vm.heap.Get(e.Exception)
	if obj == nil || frame.Method == nil || frame.Method.Code == nil {
		frame.state = StateUnwound
		return false, err
	}
	for _, h := range frame.Method.Code.ExceptionHandlers {
		if !h.Covers(pc) {
			continue
		}
		if h.CatchType != 0 {
			name, cerr := frame.Class.ConstantPool.ClassName(h.CatchType)
			if cerr != nil {
				frame.state = StateUnwound
				return false, newError(CodeBadConstant, "catch type #%d: %v", h.CatchType, cerr)
			}
			ok, ierr := vm.bundle.IsInstanceOf(obj, name)
			if ierr != nil {
				frame.state = StateUnwound
				return false, ierr
			}
			if !ok {
				continue
			}
		}
		frame.state = StateHandled
		frame.ScrubStack()
		if perr := catch(func() { frame.Push(vm.heap.refValue(e.Exception)) }); perr != nil {
			frame.state = StateUnwound
			return false, perr
		}
		frame.PC = int(h.HandlerPC)
		frame.state = StateRunning
		vm.log.Debugf("%s caught %s at pc %d", vm.frameName(frame), obj.ClassName(), h.HandlerPC)
		return true, nil
	}
	frame.state = StateUnwound
	return false, err
}
