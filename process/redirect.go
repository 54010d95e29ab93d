package process

import (
	"errors"
	"fmt"
	"os"
)

// ErrInvalidRedirect is returned when a redirect is assigned to a stream it cannot serve.
var ErrInvalidRedirect = errors.New("invalid redirect")

// Stream identifies one of the three standard streams of a child process.
type Stream int

const (
	Stdin Stream = iota
	Stdout
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("Stream(%d)", int(s))
}

// RedirectType is the kind of a Redirect.
type RedirectType int

const (
	// TypePipe connects the stream to a pipe whose other end is available on the Process.
	TypePipe RedirectType = iota
	// TypeInherit shares the stream with the calling process.
	TypeInherit
	// TypeRead reads the child's stdin from a file.
	TypeRead
	// TypeWrite truncates a file and writes the stream to it.
	TypeWrite
	// TypeAppend appends the stream to a file using the OS append mode.
	TypeAppend
)

func (t RedirectType) String() string {
	switch t {
	case TypePipe:
		return "PIPE"
	case TypeInherit:
		return "INHERIT"
	case TypeRead:
		return "READ"
	case TypeWrite:
		return "WRITE"
	case TypeAppend:
		return "APPEND"
	}
	return fmt.Sprintf("RedirectType(%d)", int(t))
}

// Redirect is the source or destination of a child process stream.
// Redirects are comparable values.
type Redirect struct {
	typ  RedirectType
	file string
}

var (
	RedirectPipe    = Redirect{typ: TypePipe}
	RedirectInherit = Redirect{typ: TypeInherit}
	// RedirectDiscard writes output to the null device.
	RedirectDiscard = Redirect{typ: TypeWrite, file: os.DevNull}
)

// RedirectFrom reads from file.
func RedirectFrom(file string) Redirect { return Redirect{typ: TypeRead, file: file} }

// RedirectTo writes to file, truncating it first.
func RedirectTo(file string) Redirect { return Redirect{typ: TypeWrite, file: file} }

// RedirectAppend appends to file. Concurrent writers opened in append mode do not overwrite each other.
func RedirectAppend(file string) Redirect { return Redirect{typ: TypeAppend, file: file} }

func (r Redirect) Type() RedirectType { return r.typ }

// File returns the file of a READ, WRITE or APPEND redirect and "" otherwise.
func (r Redirect) File() string { return r.file }

func (r Redirect) String() string {
	switch r.typ {
	case TypeRead:
		return "redirect to read from file \"" + r.file + "\""
	case TypeWrite:
		return "redirect to write to file \"" + r.file + "\""
	case TypeAppend:
		return "redirect to append to file \"" + r.file + "\""
	}
	return r.typ.String()
}

func (r Redirect) validFor(s Stream) error {
	switch {
	case s == Stdin && (r.typ == TypeWrite || r.typ == TypeAppend):
		return fmt.Errorf("%w: %s for %s", ErrInvalidRedirect, r, s)
	case s != Stdin && r.typ == TypeRead:
		return fmt.Errorf("%w: %s for %s", ErrInvalidRedirect, r, s)
	case (r.typ == TypeRead || r.typ == TypeWrite || r.typ == TypeAppend) && r.file == "":
		return fmt.Errorf("%w: %s without a file", ErrInvalidRedirect, r.typ)
	}
	return nil
}

// open opens the file of a file redirect for stream s.
func (r Redirect) open() (*os.File, error) {
	switch r.typ {
	case TypeRead:
		return os.Open(r.file)
	case TypeWrite:
		return os.OpenFile(r.file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	case TypeAppend:
		return os.OpenFile(r.file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	}
	return nil, fmt.Errorf("%s is not a file redirect", r.typ)
}
