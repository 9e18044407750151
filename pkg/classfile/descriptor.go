package classfile

import (
	"strings"

	"github.com/pkg/errors"
)

// MethodDescriptor is a parsed method type signature such as
// "(Ljava/lang/String;I[D)V". Each element is a field descriptor string.
type MethodDescriptor struct {
	Params []string
	Return string
}

// ArgCount returns the number of declared parameters.
func (d *MethodDescriptor) ArgCount() int { return len(d.Params) }

// ArgSlots returns the number of local variable slots the parameters occupy;
// long and double take two.
func (d *MethodDescriptor) ArgSlots() int {
	n := 0
	for _, p := range d.Params {
		n += FieldSlots(p)
	}
	return n
}

// IsVoid reports whether the return type is V.
func (d *MethodDescriptor) IsVoid() bool { return d.Return == "V" }

// FieldSlots returns 2 for long and double descriptors, 1 otherwise.
func FieldSlots(desc string) int {
	if desc == "J" || desc == "D" {
		return 2
	}
	return 1
}

// ParseMethodDescriptor parses a method descriptor.
func ParseMethodDescriptor(desc string) (*MethodDescriptor, error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, errors.Wrapf(ErrMalformedDescriptor, "%q: missing '('", desc)
	}
	md := &MethodDescriptor{}
	i := 1
	for {
		if i >= len(desc) {
			return nil, errors.Wrapf(ErrMalformedDescriptor, "%q: missing ')'", desc)
		}
		if desc[i] == ')' {
			i++
			break
		}
		end, err := scanFieldType(desc, i)
		if err != nil {
			return nil, err
		}
		md.Params = append(md.Params, desc[i:end])
		i = end
	}

	switch {
	case i == len(desc):
		return nil, errors.Wrapf(ErrMalformedDescriptor, "%q: missing return type", desc)
	case desc[i:] == "V":
		md.Return = "V"
	default:
		end, err := scanFieldType(desc, i)
		if err != nil {
			return nil, err
		}
		if end != len(desc) {
			return nil, errors.Wrapf(ErrMalformedDescriptor, "%q: trailing characters after return type", desc)
		}
		md.Return = desc[i:end]
	}
	return md, nil
}

// scanFieldType returns the index just past the field type starting at i.
// Array prefixes and class references form a single type.
func scanFieldType(desc string, i int) (int, error) {
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i >= len(desc) {
		return 0, errors.Wrapf(ErrMalformedDescriptor, "%q: dangling array prefix", desc)
	}
	switch desc[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		semi := strings.IndexByte(desc[i:], ';')
		if semi < 0 || strings.ContainsAny(desc[i:i+semi], "()") {
			return 0, errors.Wrapf(ErrMalformedDescriptor, "%q: unterminated class reference", desc)
		}
		if semi == 1 {
			return 0, errors.Wrapf(ErrMalformedDescriptor, "%q: empty class name", desc)
		}
		return i + semi + 1, nil
	default:
		return 0, errors.Wrapf(ErrMalformedDescriptor, "%q: invalid type character '%c'", desc, desc[i])
	}
}

// ArgumentCount counts the parameters of a method descriptor.
func ArgumentCount(desc string) (int, error) {
	md, err := ParseMethodDescriptor(desc)
	if err != nil {
		return 0, err
	}
	return md.ArgCount(), nil
}

// IsVoidReturn checks if a method descriptor has void return type.
func IsVoidReturn(desc string) bool {
	end := strings.LastIndexByte(desc, ')')
	return end >= 0 && desc[end+1:] == "V"
}
