package process

import (
	"strings"

	"github.com/guseggert/procrt/environment"
	"go.uber.org/zap"
)

// Builder is a mutable process specification. Each call to Start creates a new process from the
// current settings. A Builder is not safe for concurrent use.
type Builder struct {
	log  *zap.SugaredLogger
	plat platform

	command   []string
	dir       string
	env       *environment.Env
	redirects [3]Redirect

	redirectErrorStream bool
	allowAmbiguous      bool
	guard               AccessGuard
}

// NewBuilder returns a Builder for the given program and arguments, with all streams redirected to PIPE.
func NewBuilder(command ...string) *Builder {
	return &Builder{
		log:     zap.NewNop().Sugar(),
		plat:    native,
		command: append([]string(nil), command...),
	}
}

// Command returns a copy of the program and arguments.
func (b *Builder) Command() []string { return append([]string(nil), b.command...) }

// SetCommand replaces the program and arguments. The command is only validated by Start.
func (b *Builder) SetCommand(command ...string) *Builder {
	b.command = append([]string(nil), command...)
	return b
}

// Directory returns the working directory, or "" if the child inherits the caller's.
func (b *Builder) Directory() string { return b.dir }

func (b *Builder) SetDirectory(dir string) *Builder {
	b.dir = dir
	return b
}

// Environment returns the environment the child will receive. On first use it is a copy of the
// system snapshot; changes to it affect later calls to Start.
func (b *Builder) Environment() *environment.Env {
	if b.env == nil {
		b.env = environment.System().Clone()
	}
	return b.env
}

// SetEnviron replaces the environment with NAME=VALUE entries.
// Anything after a NUL in an entry is dropped, and entries without a separator or with an invalid
// name are ignored. A nil envp leaves the environment unchanged.
func (b *Builder) SetEnviron(envp []string) *Builder {
	if envp == nil {
		return b
	}
	env := b.Environment()
	env.Clear()
	f := env.Flavor()
	for _, s := range envp {
		if i := strings.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		name, value, ok := f.SplitEntry(s)
		if !ok {
			continue
		}
		_ = env.Set(name, value)
	}
	return b
}

// Redirect returns the redirect of stream s.
func (b *Builder) Redirect(s Stream) Redirect { return b.redirects[s] }

// SetRedirect sets the redirect of stream s. It returns ErrInvalidRedirect if stdin is given a
// WRITE or APPEND redirect, or an output stream is given a READ redirect.
func (b *Builder) SetRedirect(s Stream, r Redirect) error {
	if err := r.validFor(s); err != nil {
		return err
	}
	b.redirects[s] = r
	return nil
}

func (b *Builder) RedirectInput(r Redirect) error { return b.SetRedirect(Stdin, r) }

func (b *Builder) RedirectOutput(r Redirect) error { return b.SetRedirect(Stdout, r) }

func (b *Builder) RedirectError(r Redirect) error { return b.SetRedirect(Stderr, r) }

// InheritIO sets all three streams to INHERIT.
func (b *Builder) InheritIO() *Builder {
	b.redirects = [3]Redirect{RedirectInherit, RedirectInherit, RedirectInherit}
	return b
}

func (b *Builder) RedirectErrorStream() bool { return b.redirectErrorStream }

// SetRedirectErrorStream merges stderr into stdout. While set, the stderr redirect is ignored.
func (b *Builder) SetRedirectErrorStream(merge bool) *Builder {
	b.redirectErrorStream = merge
	return b
}

// SetAllowAmbiguousCommands enables the legacy handling of a quoted executable path that was not
// split from its arguments. It only has an effect on Windows.
func (b *Builder) SetAllowAmbiguousCommands(allow bool) *Builder {
	b.allowAmbiguous = allow
	return b
}

func (b *Builder) WithGuard(g AccessGuard) *Builder {
	b.guard = g
	return b
}

func (b *Builder) WithLogger(l *zap.SugaredLogger) *Builder {
	b.log = l
	return b
}
