package classfile

import "github.com/pkg/errors"

// Load failures. Errors returned by this package wrap one of these with
// positional context; match them with errors.Is.
var (
	ErrTruncated           = errors.New("truncated class data")
	ErrBadMagic            = errors.New("invalid magic number")
	ErrUnknownTag          = errors.New("unknown constant pool tag")
	ErrBadIndex            = errors.New("invalid constant pool index")
	ErrMalformedCode       = errors.New("malformed Code attribute")
	ErrMalformedDescriptor = errors.New("malformed descriptor")
)
