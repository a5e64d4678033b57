package errs

import "strings"

// Metadata holds arbitrary key-value pairs attached to an error for
// internal diagnostics. It is never exposed outside the process.
type Metadata map[string]any

// Error is an error with a structured Code and optional Metadata. To
// provide accurate context, code that originates an error should build
// one with B() as close to the root cause as possible; code that merely
// propagates an error should let it pass through unchanged.
type Error struct {
	Code    Code
	Message string
	Meta    Metadata

	underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.underlying == nil {
		return e.Code.String() + ": " + e.Message
	}
	var b strings.Builder
	b.WriteString(e.Code.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Message != "" {
		b.WriteString(": ")
	}
	b.WriteString(e.underlying.Error())
	return b.String()
}

// Unwrap returns the underlying cause, if any, so that errors.Is and
// errors.As work as expected.
func (e *Error) Unwrap() error {
	return e.underlying
}

// GetCode reports the Code carried by err. If err is nil it reports OK;
// if err is not an *Error it reports Unknown.
func GetCode(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Unknown
}

// Is reports whether err carries the given code. A nil err matches OK.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}

func mergeMeta(base Metadata, pairs []any) Metadata {
	if len(pairs) == 0 {
		return base
	}
	if len(pairs)%2 != 0 {
		panic("errs: odd number of metadata key-value arguments")
	}
	md := make(Metadata, len(base)+len(pairs)/2)
	for k, v := range base {
		md[k] = v
	}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic("errs: metadata key must be a string")
		}
		md[key] = pairs[i+1]
	}
	return md
}
