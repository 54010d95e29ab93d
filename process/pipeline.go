package process

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
)

// StartPipeline starts one process per builder and connects the stdout of each to the stdin of the
// next with an OS pipe. Every builder but the last must redirect stdout to PIPE, and every builder
// but the first must redirect stdin to PIPE; the connected streams are null streams on the returned
// processes. If any stage fails to start, the stages already started are killed and reaped.
func StartPipeline(builders ...*Builder) ([]Process, error) {
	last := len(builders) - 1
	for i, b := range builders {
		if i > 0 && b.redirects[Stdin].typ != TypePipe {
			return nil, fmt.Errorf("%w: pipeline stage %d stdin is %s", ErrInvalidRedirect, i, b.redirects[Stdin])
		}
		if i < last && b.redirects[Stdout].typ != TypePipe {
			return nil, fmt.Errorf("%w: pipeline stage %d stdout is %s", ErrInvalidRedirect, i, b.redirects[Stdout])
		}
	}

	procs, err := startStages(builders)
	if err != nil {
		return nil, err
	}
	return procs, nil
}

// startStages starts the stages in order. On failure it kills and reaps the stages already
// started and returns them along with the error.
func startStages(builders []*Builder) ([]Process, error) {
	last := len(builders) - 1
	procs := make([]Process, 0, len(builders))
	var prev *os.File
	for i, b := range builders {
		var next, w *os.File
		if i < last {
			var err error
			next, w, err = os.Pipe()
			if err != nil {
				closeFiles(prev)
				killAll(procs)
				return procs, fmt.Errorf("creating pipe for stage %d: %w", i, err)
			}
		}
		p, err := b.start(prev, w)
		closeFiles(prev, w)
		if err != nil {
			closeFiles(next)
			killAll(procs)
			return procs, err
		}
		procs = append(procs, p)
		prev = next
	}
	return procs, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func killAll(procs []Process) {
	var group errgroup.Group
	for _, p := range procs {
		p := p
		group.Go(func() error {
			if err := p.DestroyForcibly(); err != nil {
				return err
			}
			_, err := p.Wait(context.Background())
			return err
		})
	}
	_ = group.Wait()
}
