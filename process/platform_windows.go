//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/guseggert/procrt/environment"
	"github.com/guseggert/procrt/internal/winargs"
)

type windowsPlatform struct{}

func newPlatform() platform { return windowsPlatform{} }

// environ returns the entries of the encoded block, so that the child sees the sorted order and SystemRoot.
func (windowsPlatform) environ(env *environment.Env) []string {
	entries, err := environment.SplitBlock(env.Block(nil))
	if err != nil || entries == nil {
		return []string{}
	}
	return entries
}

func (windowsPlatform) spawn(req *spawnRequest) (*os.Process, error) {
	exe, args, err := winargs.Resolve(req.argv, req.allowAmbiguous)
	if err != nil {
		return nil, err
	}
	path, err := exec.LookPath(exe)
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return nil, err
	}
	policy := winargs.PolicyFor(path)
	if req.allowAmbiguous && policy != winargs.PolicyScript {
		policy = winargs.PolicyLegacy
	}
	cmdline, err := winargs.Build(policy, path, args)
	if err != nil {
		return nil, fmt.Errorf("building command line: %w", err)
	}
	return os.StartProcess(path, append([]string{path}, args...), &os.ProcAttr{
		Dir:   req.dir,
		Env:   req.env,
		Files: req.files[:],
		Sys:   &syscall.SysProcAttr{CmdLine: cmdline},
	})
}

// terminate kills the process. Windows has no polite termination request for arbitrary processes.
func (windowsPlatform) terminate(p *os.Process, force bool) error {
	err := p.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminating %d: %w", p.Pid, err)
	}
	return nil
}

func (windowsPlatform) exitCode(state *os.ProcessState) int { return state.ExitCode() }
