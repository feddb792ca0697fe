package pdfops

import "fmt"

// Kind classifies engine failures.
type Kind int

const (
	// ErrLoad: an input could not be read or parsed.
	ErrLoad Kind = iota + 1
	// ErrStructural: a document has no catalog, no page tree or no pages.
	ErrStructural
	// ErrInvalidArgument: a parameter was rejected before any work was done.
	ErrInvalidArgument
	// ErrSave: the output could not be written.
	ErrSave
	// ErrDecode: an image could not be transcoded. Recompress recovers from
	// it and only reports it to the logger.
	ErrDecode
)

func (k Kind) String() string {
	switch k {
	case ErrLoad:
		return "load"
	case ErrStructural:
		return "structure"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrSave:
		return "save"
	case ErrDecode:
		return "decode"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is returned by every engine operation.
type Error struct {
	Op   string // merge, split, rotate, recompress
	Path string // file involved, if any
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}
