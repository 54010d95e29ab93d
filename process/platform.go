package process

import (
	"os"

	"github.com/guseggert/procrt/environment"
)

// spawnRequest is a fully resolved request to create a child process.
type spawnRequest struct {
	argv  []string
	dir   string
	env   []string
	files [3]*os.File

	allowAmbiguous bool
}

// platform isolates the OS-specific parts of process creation.
type platform interface {
	// environ encodes env in the form and order the OS expects.
	environ(env *environment.Env) []string
	spawn(req *spawnRequest) (*os.Process, error)
	// terminate asks the process to exit, or kills it when force is set.
	terminate(p *os.Process, force bool) error
	exitCode(state *os.ProcessState) int
}

// native is the spawner for the running OS.
var native platform = newPlatform()
