package vm

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ObjectSnapshot describes one live object. Fields holds raw slots; the
// element or field kinds are implied by Class.
type ObjectSnapshot struct {
	Handle     Handle   `cbor:"1,keyasint"`
	Class      string   `cbor:"2,keyasint"`
	Kind       string   `cbor:"3,keyasint"`
	Fields     []uint64 `cbor:"4,keyasint,omitempty"`
	Refs       []Handle `cbor:"5,keyasint,omitempty"`
	StackCount int32    `cbor:"6,keyasint"`
	Text       string   `cbor:"7,keyasint,omitempty"`
}

// HeapSnapshot is a point-in-time view of a heap for external reclaimers.
// Roots lists objects held by static fields.
type HeapSnapshot struct {
	VM      string           `cbor:"1,keyasint"`
	Objects []ObjectSnapshot `cbor:"2,keyasint"`
	Roots   []Handle         `cbor:"3,keyasint,omitempty"`
}

// Snapshot captures every live object in allocation order.
func (h *Heap) Snapshot() *HeapSnapshot {
	s := &HeapSnapshot{}
	for _, o := range h.Objects() {
		s.Objects = append(s.Objects, ObjectSnapshot{
			Handle:     o.Handle,
			Class:      o.ClassName(),
			Kind:       o.Kind.String(),
			Fields:     append([]uint64(nil), o.Fields...),
			Refs:       append([]Handle(nil), o.Refs...),
			StackCount: o.StackCount,
			Text:       o.text,
		})
	}
	return s
}

// Snapshot captures the heap together with the static roots of this VM.
func (vm *VM) Snapshot() *HeapSnapshot {
	s := vm.heap.Snapshot()
	s.VM = vm.id.String()
	seen := make(map[Handle]bool)
	for _, values := range vm.statics {
		for _, v := range values {
			if h := v.Handle(); h != 0 && !seen[h] && vm.heap.Get(h) != nil {
				seen[h] = true
				s.Roots = append(s.Roots, h)
			}
		}
	}
	sort.Slice(s.Roots, func(i, j int) bool { return s.Roots[i] < s.Roots[j] })
	return s
}

// Unreferenced returns the objects no stack slot, static root, or other
// live object refers to. Removing them with Heap.Remove is safe.
func (s *HeapSnapshot) Unreferenced() []Handle {
	referenced := make(map[Handle]bool)
	for _, h := range s.Roots {
		referenced[h] = true
	}
	for _, o := range s.Objects {
		for _, r := range o.Refs {
			referenced[r] = true
		}
	}
	var out []Handle
	for _, o := range s.Objects {
		if o.StackCount == 0 && !referenced[o.Handle] {
			out = append(out, o.Handle)
		}
	}
	return out
}

// MarshalSnapshot serializes a HeapSnapshot to canonical CBOR.
func MarshalSnapshot(s *HeapSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a HeapSnapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*HeapSnapshot, error) {
	var s HeapSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "vm: unmarshal heap snapshot")
	}
	return &s, nil
}
