package procstream

import (
	"os"

	"github.com/guseggert/procrt/process"
)

// FD configures one standard stream of a remote process.
// The zero value streams it over the connection.
type FD struct {
	// File redirects the stream to or from a file on the server.
	File string `json:",omitempty"`
	// Append appends output to File instead of truncating it.
	Append bool `json:",omitempty"`
	// Discard drops output, or gives the process an empty stdin.
	Discard bool `json:",omitempty"`
}

func (fd FD) redirect(s process.Stream) process.Redirect {
	switch {
	case fd.File != "" && s == process.Stdin:
		return process.RedirectFrom(fd.File)
	case fd.File != "" && fd.Append:
		return process.RedirectAppend(fd.File)
	case fd.File != "":
		return process.RedirectTo(fd.File)
	case fd.Discard && s == process.Stdin:
		return process.RedirectFrom(os.DevNull)
	case fd.Discard:
		return process.RedirectDiscard
	}
	return process.RedirectPipe
}

// Spec describes a process to start.
type Spec struct {
	Command []string
	// Env holds NAME=VALUE entries applied on top of the server's base environment.
	Env []string `json:",omitempty"`
	// ClearEnv starts from an empty environment instead of the base environment.
	ClearEnv bool   `json:",omitempty"`
	Dir      string `json:",omitempty"`

	Stdin  FD
	Stdout FD
	Stderr FD

	RedirectErrorStream bool `json:",omitempty"`
}

// Redirects applies the stream settings of s to b.
func (s Spec) Redirects(b *process.Builder) error {
	if err := b.RedirectInput(s.Stdin.redirect(process.Stdin)); err != nil {
		return err
	}
	if err := b.RedirectOutput(s.Stdout.redirect(process.Stdout)); err != nil {
		return err
	}
	if err := b.RedirectError(s.Stderr.redirect(process.Stderr)); err != nil {
		return err
	}
	b.SetRedirectErrorStream(s.RedirectErrorStream)
	return nil
}

const (
	SignalTerminate = "terminate"
	SignalKill      = "kill"
)

// requestMessage is a request message.
// Only the first message contains the Spec. Subsequent messages carry stdin bytes or a signal.
type requestMessage struct {
	Spec *Spec `json:",omitempty"`

	Stdin     []byte `json:",omitempty"`
	StdinDone bool   `json:",omitempty"`

	Signal string `json:",omitempty"`
}

// responseMessage is a response message.
// The first message carries ID and PID, or Err. Only the last message carries exit information.
type responseMessage struct {
	ID  string `json:",omitempty"`
	PID int    `json:",omitempty"`
	Err string `json:",omitempty"`

	Stdout     []byte `json:",omitempty"`
	StdoutDone bool   `json:",omitempty"`

	Stderr     []byte `json:",omitempty"`
	StderrDone bool   `json:",omitempty"`

	// Exited is true if the process exited. ExitCode and TimeMS are set in that case.
	Exited   bool  `json:",omitempty"`
	ExitCode int   `json:",omitempty"`
	TimeMS   int64 `json:",omitempty"`
}
