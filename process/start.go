package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/guseggert/procrt/environment"
)

var (
	ErrEmptyCommand    = errors.New("empty command")
	ErrInvalidArgument = errors.New("invalid argument")
)

// StartError is returned by Start when the process could not be created.
type StartError struct {
	Program string
	Dir     string
	Err     error

	hideCause bool
}

func (e *StartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot run program %q", e.Program)
	if e.Dir != "" {
		fmt.Fprintf(&b, " (in directory %q)", e.Dir)
	}
	if !e.hideCause {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StartError) Unwrap() error { return e.Err }

// Start creates a process from the builder's current settings.
func (b *Builder) Start() (Process, error) {
	return b.start(nil, nil)
}

// fileSet tracks files opened during start so that every exit path closes them.
type fileSet []*os.File

func (fs *fileSet) add(f *os.File) *os.File {
	*fs = append(*fs, f)
	return f
}

func (fs *fileSet) closeAll() {
	for _, f := range *fs {
		f.Close()
	}
	*fs = nil
}

// start creates the process. A non-nil stdin or stdout replaces the child's end of that stream;
// the caller keeps ownership of it and the parent side becomes a null stream.
func (b *Builder) start(stdin, stdout *os.File) (Process, error) {
	if len(b.command) == 0 {
		return nil, ErrEmptyCommand
	}
	for _, arg := range b.command {
		if strings.IndexByte(arg, 0) >= 0 {
			return nil, fmt.Errorf("%w: %q contains NUL", ErrInvalidArgument, arg)
		}
	}
	prog := b.command[0]
	if b.guard != nil {
		if err := b.guard.CheckExec(prog); err != nil {
			return nil, err
		}
	}

	env := b.env
	if env == nil {
		env = environment.System().Clone()
	}

	var (
		// child ends opened here, closed after spawn whatever the outcome
		childOwned fileSet
		// parent ends, closed only on failure
		parentOwned fileSet
		files       [3]*os.File
		pin         io.WriteCloser = NullInput
		pout        io.ReadCloser  = NullOutput
		perr        io.ReadCloser  = NullOutput
	)
	defer childOwned.closeAll()
	fail := func(err error) (Process, error) {
		parentOwned.closeAll()
		return nil, b.startError(prog, err)
	}

	for s := Stdin; s <= Stderr; s++ {
		switch {
		case s == Stdin && stdin != nil:
			files[s] = stdin
			continue
		case s == Stdout && stdout != nil:
			files[s] = stdout
			continue
		case s == Stderr && b.redirectErrorStream:
			files[s] = files[Stdout]
			continue
		}
		r := b.redirects[s]
		switch r.typ {
		case TypePipe:
			pr, pw, err := os.Pipe()
			if err != nil {
				return fail(fmt.Errorf("creating %s pipe: %w", s, err))
			}
			if s == Stdin {
				files[s] = childOwned.add(pr)
				pin = parentOwned.add(pw)
			} else {
				files[s] = childOwned.add(pw)
				parentOwned.add(pr)
				if s == Stdout {
					pout = pr
				} else {
					perr = pr
				}
			}
		case TypeInherit:
			files[s] = []*os.File{os.Stdin, os.Stdout, os.Stderr}[s]
		default:
			f, err := r.open()
			if err != nil {
				return fail(err)
			}
			files[s] = childOwned.add(f)
		}
	}

	proc, err := b.plat.spawn(&spawnRequest{
		argv:           b.command,
		dir:            b.dir,
		env:            b.plat.environ(env),
		files:          files,
		allowAmbiguous: b.allowAmbiguous,
	})
	if err != nil {
		return fail(err)
	}
	b.log.Debugw("started process", "Command", b.command, "Dir", b.dir, "PID", proc.Pid)
	return newOSProcess(b.log.Named(fmt.Sprintf("pid%d", proc.Pid)), b.plat, proc, pin, pout, perr), nil
}

func (b *Builder) startError(prog string, cause error) error {
	b.log.Debugw("error starting process", "Program", prog, "Error", cause)
	serr := &StartError{Program: prog, Dir: b.dir, Err: cause}
	if b.guard != nil {
		if err := b.guard.CheckRead(prog); err != nil {
			serr.Err = err
			serr.hideCause = true
		}
	}
	return serr
}
