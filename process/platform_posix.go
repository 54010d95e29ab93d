//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/guseggert/procrt/environment"
	"golang.org/x/sys/unix"
)

type posixPlatform struct{}

func newPlatform() platform { return posixPlatform{} }

func (posixPlatform) environ(env *environment.Env) []string { return env.Environ() }

func (posixPlatform) spawn(req *spawnRequest) (*os.Process, error) {
	path, err := exec.LookPath(req.argv[0])
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return nil, err
	}
	return os.StartProcess(path, req.argv, &os.ProcAttr{
		Dir:   req.dir,
		Env:   req.env,
		Files: req.files[:],
	})
}

func (posixPlatform) terminate(p *os.Process, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := p.Signal(sig)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("sending %s to %d: %w", unix.SignalName(sig), p.Pid, err)
	}
	return nil
}

// exitCode reports 128+n for a child killed by signal n, the way shells do.
func (posixPlatform) exitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
