package process

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrAccessDenied is returned by an AccessGuard that refuses a check.
var ErrAccessDenied = errors.New("access denied")

// AccessGuard decides which programs a Builder may start.
//
// CheckExec is consulted before a process is created. CheckRead is consulted when creation fails:
// if it refuses, the StartError keeps the program name but hides the underlying cause, so that a
// caller without read access cannot probe the file system through error messages.
type AccessGuard interface {
	CheckExec(program string) error
	CheckRead(program string) error
}

// AllowList is an AccessGuard that matches programs against filepath.Match patterns.
// A pattern without a separator also matches the base name of the program.
// An empty list refuses everything.
type AllowList struct {
	Exec []string `yaml:"exec"`
	Read []string `yaml:"read"`
}

func (a AllowList) CheckExec(program string) error { return check("exec", a.Exec, program) }

func (a AllowList) CheckRead(program string) error { return check("read", a.Read, program) }

func check(action string, patterns []string, program string) error {
	for _, p := range patterns {
		if matches(p, program) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q", ErrAccessDenied, action, program)
}

func matches(pattern, program string) bool {
	if ok, _ := filepath.Match(pattern, program); ok {
		return true
	}
	if filepath.Base(pattern) == pattern {
		ok, _ := filepath.Match(pattern, filepath.Base(program))
		return ok
	}
	return false
}
