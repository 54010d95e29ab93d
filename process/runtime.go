package process

import (
	"strings"

	"go.uber.org/zap"
)

// Runtime starts processes from a command string or array, with shared settings.
type Runtime struct {
	Log   *zap.SugaredLogger
	Guard AccessGuard
	// AllowAmbiguousCommands enables the legacy Windows handling of unsplit quoted commands.
	AllowAmbiguousCommands bool
}

var defaultRuntime = &Runtime{}

// Exec starts command, split into tokens at whitespace.
func Exec(command string) (Process, error) { return defaultRuntime.Exec(command) }

// ExecArgs starts cmdarray with an optional environment and working directory.
func ExecArgs(cmdarray, envp []string, dir string) (Process, error) {
	return defaultRuntime.ExecArgs(cmdarray, envp, dir)
}

func (r *Runtime) Exec(command string) (Process, error) {
	return r.ExecArgs(strings.Fields(command), nil, "")
}

// ExecArgs starts cmdarray. A nil envp inherits the system environment; otherwise envp holds
// NAME=VALUE entries as accepted by Builder.SetEnviron. An empty dir inherits the working directory.
func (r *Runtime) ExecArgs(cmdarray, envp []string, dir string) (Process, error) {
	if len(cmdarray) == 0 {
		return nil, ErrEmptyCommand
	}
	b := NewBuilder(cmdarray...).
		SetEnviron(envp).
		SetDirectory(dir).
		SetAllowAmbiguousCommands(r.AllowAmbiguousCommands).
		WithGuard(r.Guard)
	if r.Log != nil {
		b.WithLogger(r.Log)
	}
	return b.Start()
}
