package process

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotExited is returned by ExitValue while the process is still running.
	ErrNotExited = errors.New("process has not exited")
	// ErrStreamClosed is returned by writes to a null stream.
	ErrStreamClosed = errors.New("stream closed")
)

// Process is a handle to a child process.
type Process interface {
	// Stdin is connected to the child's standard input when it is redirected to PIPE.
	Stdin() io.WriteCloser
	// Stdout is connected to the child's standard output when it is redirected to PIPE.
	Stdout() io.ReadCloser
	// Stderr is connected to the child's standard error when it is redirected to PIPE and
	// the error stream is not merged into stdout.
	Stderr() io.ReadCloser

	// Wait blocks until the process exits and returns its exit code.
	// If ctx is done first, Wait returns ctx.Err() and the process keeps running.
	Wait(ctx context.Context) (int, error)
	// WaitTimeout reports whether the process exited within d.
	WaitTimeout(ctx context.Context, d time.Duration) (bool, error)
	// ExitValue returns the exit code, or ErrNotExited.
	ExitValue() (int, error)

	// Destroy requests termination and returns without waiting.
	Destroy() error
	// DestroyForcibly kills the process and returns without waiting.
	DestroyForcibly() error

	IsAlive() bool
	Pid() int
	// Done is closed once the exit code is available.
	Done() <-chan struct{}
}

type nullReader struct{}

func (nullReader) Read([]byte) (int, error) { return 0, io.EOF }
func (nullReader) Close() error             { return nil }

type nullWriter struct{}

func (nullWriter) Write([]byte) (int, error) { return 0, ErrStreamClosed }
func (nullWriter) Close() error              { return nil }

var (
	// NullOutput stands in for an output stream that is not a pipe.
	NullOutput io.ReadCloser = nullReader{}
	// NullInput stands in for an input stream that is not a pipe.
	NullInput io.WriteCloser = nullWriter{}
)

// maxWaitStep bounds how long WaitDone sleeps before re-checking the deadline.
const maxWaitStep = 100 * time.Millisecond

var waitStep = time.After

// WaitDone waits up to d for done to be closed and reports whether it was.
// It returns true without waiting if done is already closed, even when d is not positive.
func WaitDone(ctx context.Context, done <-chan struct{}, d time.Duration) (bool, error) {
	select {
	case <-done:
		return true, nil
	default:
	}
	if d <= 0 {
		return false, nil
	}
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			// the last step may have raced with the exit
			select {
			case <-done:
				return true, nil
			default:
				return false, nil
			}
		}
		if remaining > maxWaitStep {
			remaining = maxWaitStep
		}
		select {
		case <-done:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-waitStep(remaining):
		}
	}
}

// osProcess is a Process backed by an OS child.
type osProcess struct {
	log  *zap.SugaredLogger
	proc *os.Process
	plat platform

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	done chan struct{}
	// code and waitErr are written once before done is closed
	code    int
	waitErr error
}

func newOSProcess(log *zap.SugaredLogger, plat platform, proc *os.Process, stdin io.WriteCloser, stdout, stderr io.ReadCloser) *osProcess {
	p := &osProcess{
		log:    log,
		proc:   proc,
		plat:   plat,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *osProcess) reap() {
	defer close(p.done)
	state, err := p.proc.Wait()
	if err != nil {
		p.log.Debugw("error waiting for process", "PID", p.proc.Pid, "Error", err)
		p.code = -1
		p.waitErr = err
		return
	}
	p.code = p.plat.exitCode(state)
	p.log.Debugw("process exited", "PID", p.proc.Pid, "ExitCode", p.code)
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *osProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *osProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *osProcess) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return WaitDone(ctx, p.done, d)
}

func (p *osProcess) ExitValue() (int, error) {
	select {
	case <-p.done:
		return p.code, p.waitErr
	default:
		return 0, ErrNotExited
	}
}

func (p *osProcess) Destroy() error { return p.destroy(false) }

func (p *osProcess) DestroyForcibly() error { return p.destroy(true) }

func (p *osProcess) destroy(force bool) error {
	if !p.IsAlive() {
		return nil
	}
	p.log.Debugw("destroying process", "PID", p.proc.Pid, "Force", force)
	return p.plat.terminate(p.proc, force)
}

func (p *osProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) Pid() int { return p.proc.Pid }

func (p *osProcess) Done() <-chan struct{} { return p.done }
