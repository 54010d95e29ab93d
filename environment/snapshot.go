package environment

import (
	"os"
	"sync"
)

// Snapshot is an immutable view of an environment.
type Snapshot struct {
	env *Env
}

var (
	systemOnce sync.Once
	system     *Snapshot
)

// System returns the environment of this process as captured on first use.
// Later changes made with os.Setenv are not reflected.
func System() *Snapshot {
	systemOnce.Do(func() {
		system = Capture(os.Environ(), Native())
	})
	return system
}

// Capture builds a snapshot from NAME=VALUE strings. Malformed entries are skipped.
// On case-folding flavors the first spelling of a name wins and later duplicates replace its value.
func Capture(environ []string, f Flavor) *Snapshot {
	env := New(f)
	for _, s := range environ {
		name, value, ok := f.SplitEntry(s)
		if !ok {
			continue
		}
		_ = env.Set(name, value)
	}
	return &Snapshot{env: env}
}

func (s *Snapshot) Flavor() Flavor { return s.env.flavor }

func (s *Snapshot) Len() int { return s.env.Len() }

func (s *Snapshot) Get(name string) (string, bool) { return s.env.Get(name) }

func (s *Snapshot) Names() []string { return s.env.Names() }

func (s *Snapshot) Map() map[string]string { return s.env.Map() }

// Clone returns a mutable copy.
func (s *Snapshot) Clone() *Env { return s.env.Clone() }
