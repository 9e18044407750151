package vm

import (
	"github.com/daimatz/rjvm/pkg/classfile"
)

// Handle addresses an object in a Heap. Handles start at 1; 0 is null.
type Handle uint32

// Object is a heap resident. Instances carry their class and one 64-bit slot
// per instance field; arrays carry one slot per element; strings carry text.
type Object struct {
	Handle Handle
	Kind   Kind
	Class  *classfile.ClassFile

	// Descriptor is the array type descriptor, such as "[I".
	Descriptor string
	ElemKind   Kind

	Fields []uint64

	// Refs holds one entry per outgoing reference currently stored in a field
	// or element of this object.
	Refs []Handle

	// StackCount is the number of stack and local slots holding this object.
	StackCount int32

	text string
}

// ClassName returns the class name used for instance-of checks.
func (o *Object) ClassName() string {
	switch o.Kind {
	case KindArray:
		return o.Descriptor
	case KindString:
		return "java/lang/String"
	}
	return o.Class.ClassName()
}

// Len returns the number of elements of an array.
func (o *Object) Len() int { return len(o.Fields) }

// Text returns the contents of a string object.
func (o *Object) Text() string { return o.text }

// setRef stores a reference into slot i and keeps Refs in step.
func (o *Object) setRef(i int, h Handle) {
	if old := Handle(o.Fields[i]); old != 0 {
		for j, r := range o.Refs {
			if r == old {
				o.Refs = append(o.Refs[:j], o.Refs[j+1:]...)
				break
			}
		}
	}
	if h != 0 {
		o.Refs = append(o.Refs, h)
	}
	o.Fields[i] = uint64(h)
}

// Heap is the per-VM object arena. Objects stay in allocation order and are
// reclaimed only through Remove or Reset; there is no collector. Handles keep
// counting across a Reset, so a handle from an earlier epoch never names a
// new object.
type Heap struct {
	objects    []*Object
	base       Handle
	live       int
	maxObjects int
	strings    map[string]Handle

	// rooted reports handles held outside the heap, such as static fields.
	rooted func(Handle) bool
}

// NewHeap creates an empty heap. maxObjects bounds the number of live
// objects; 0 means no bound.
func NewHeap(maxObjects int) *Heap {
	return &Heap{
		maxObjects: maxObjects,
		strings:    make(map[string]Handle),
	}
}

func (h *Heap) alloc(o *Object) (*Object, error) {
	if h.maxObjects > 0 && h.live >= h.maxObjects {
		return nil, newError(CodeOutOfMemory, "heap limit of %d objects reached", h.maxObjects)
	}
	h.objects = append(h.objects, o)
	o.Handle = h.base + Handle(len(h.objects))
	h.live++
	return o, nil
}

// CreateObject allocates an instance of className resolved through b. The
// field slots cover the inherited instance fields followed by the class's own.
func (h *Heap) CreateObject(b *Bundle, className string) (*Object, error) {
	cf, err := b.FindClass(className)
	if err != nil {
		return nil, err
	}
	layout := b.layout(cf)
	return h.alloc(&Object{
		Kind:   KindObject,
		Class:  cf,
		Fields: make([]uint64, len(layout.fields)),
	})
}

// NewArray allocates an array of length elements of kind elem. desc is the
// array type descriptor.
func (h *Heap) NewArray(elem Kind, desc string, length int) (*Object, error) {
	if length < 0 {
		return nil, newError(CodeArrayOutOfBounds, "negative array size %d", length)
	}
	return h.alloc(&Object{
		Kind:       KindArray,
		Descriptor: desc,
		ElemKind:   elem,
		Fields:     make([]uint64, length),
	})
}

// InternString returns the string object for s, allocating it on first use.
func (h *Heap) InternString(s string) (*Object, error) {
	if handle, ok := h.strings[s]; ok {
		return h.Get(handle), nil
	}
	o, err := h.alloc(&Object{Kind: KindString, text: s})
	if err != nil {
		return nil, err
	}
	h.strings[s] = o.Handle
	return o, nil
}

// Get returns the object for handle, or nil if it is null, unknown, removed,
// or from before the last Reset.
func (h *Heap) Get(handle Handle) *Object {
	if handle <= h.base || int(handle-h.base) > len(h.objects) {
		return nil
	}
	return h.objects[handle-h.base-1]
}

// Len returns the number of live objects.
func (h *Heap) Len() int { return h.live }

// Objects returns the live objects in allocation order.
func (h *Heap) Objects() []*Object {
	objs := make([]*Object, 0, h.live)
	for _, o := range h.objects {
		if o != nil {
			objs = append(objs, o)
		}
	}
	return objs
}

// Retain records that a stack or local slot now holds handle.
func (h *Heap) Retain(handle Handle) {
	if o := h.Get(handle); o != nil {
		o.StackCount++
	}
}

// Release records that a stack or local slot no longer holds handle.
func (h *Heap) Release(handle Handle) {
	if o := h.Get(handle); o != nil {
		o.StackCount--
	}
}

// Remove drops a single object. It refuses while a stack or local slot, a
// field or element of another live object, or a static field still holds
// the object. Handles are never reused.
func (h *Heap) Remove(handle Handle) bool {
	o := h.Get(handle)
	if o == nil || o.StackCount > 0 || h.referenced(o) {
		return false
	}
	if o.Kind == KindString {
		delete(h.strings, o.text)
	}
	h.objects[handle-h.base-1] = nil
	h.live--
	return true
}

func (h *Heap) referenced(o *Object) bool {
	if h.rooted != nil && h.rooted(o.Handle) {
		return true
	}
	for _, other := range h.objects {
		if other == nil || other == o {
			continue
		}
		for _, r := range other.Refs {
			if r == o.Handle {
				return true
			}
		}
	}
	return false
}

// Reset drops every object at once. Handles issued before the reset stay
// invalid; reading one through bytecode raises ErrNotObjRef.
func (h *Heap) Reset() {
	h.base += Handle(len(h.objects))
	h.objects = nil
	h.live = 0
	h.strings = make(map[string]Handle)
}

// refValue builds a stack value for a handle read out of a slot. A non-zero
// handle that no longer names a live object raises ErrNotObjRef.
func (h *Heap) refValue(handle Handle) Value {
	if handle == 0 {
		return NullValue()
	}
	o := h.Get(handle)
	if o == nil {
		throw(CodeNotObjRef, "stale handle %d", handle)
	}
	switch o.Kind {
	case KindArray:
		return ArrayRef(handle)
	case KindString:
		return StringRef(handle)
	}
	return ObjectRef(handle)
}
