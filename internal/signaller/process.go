package signaller

import (
	"context"
	"fmt"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is a signalling target.
type Process interface {
	Pid() int32
	Signal(ctx context.Context) error
}

// Finder lists the running processes whose name equals name.
type Finder func(ctx context.Context, name string) ([]Process, error)

type osProcess struct {
	p   *process.Process
	sig syscall.Signal
}

func (o osProcess) Pid() int32 { return o.p.Pid }

func (o osProcess) Signal(ctx context.Context) error {
	return o.p.SendSignalWithContext(ctx, o.sig)
}

// ProcessFinder returns a Finder over the system process table whose
// processes receive sig.
func ProcessFinder(sig syscall.Signal) Finder {
	return func(ctx context.Context, name string) ([]Process, error) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list processes: %w", err)
		}

		var found []Process
		for _, p := range procs {
			// Processes may exit between listing and reading their name.
			n, err := p.NameWithContext(ctx)
			if err != nil || n != name {
				continue
			}
			found = append(found, osProcess{p: p, sig: sig})
		}
		return found, nil
	}
}
