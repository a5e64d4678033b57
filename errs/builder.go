package errs

import "fmt"

// Builder allows gradual construction of an *Error. The zero value is
// ready for use. Call Err to materialize the error.
type Builder struct {
	code Code
	msg  string
	meta []any
	err  error
}

// B starts a new Builder.
func B() *Builder { return &Builder{} }

// Code sets the error code.
func (b *Builder) Code(c Code) *Builder {
	b.code = c
	return b
}

// Msg sets the error message.
func (b *Builder) Msg(msg string) *Builder {
	b.msg = msg
	return b
}

// Msgf is like Msg but formats its arguments with fmt.Sprintf.
func (b *Builder) Msgf(format string, args ...any) *Builder {
	b.msg = fmt.Sprintf(format, args...)
	return b
}

// Meta appends metadata key-value pairs.
func (b *Builder) Meta(pairs ...any) *Builder {
	b.meta = append(b.meta, pairs...)
	return b
}

// Cause sets the underlying error. If cause is itself an *Error and no
// Code has been set explicitly, its code is inherited.
func (b *Builder) Cause(cause error) *Builder {
	b.err = cause
	if b.code == OK {
		if e, ok := cause.(*Error); ok {
			b.code = e.Code
		}
	}
	return b
}

// Err materializes the built error. It never returns nil; an unset Code
// becomes Unknown.
func (b *Builder) Err() error {
	code := b.code
	if code == OK {
		code = Unknown
	}
	msg := b.msg
	if msg == "" && b.err == nil {
		msg = "unknown error"
	}
	var baseMeta Metadata
	if e, ok := b.err.(*Error); ok {
		baseMeta = e.Meta
	}
	return &Error{
		Code:       code,
		Message:    msg,
		Meta:       mergeMeta(baseMeta, b.meta),
		underlying: b.err,
	}
}
