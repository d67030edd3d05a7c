package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/behrlich/vmmd/internal/engine"
)

// Spawner launches the hypervisor process for a finalized VM record and
// returns a handle to the process plus the read end of its captured
// stdout — the descriptor the VM record keeps open until reaped (spec.md
// §3). Hypervisor launch flags are runtime-specific and out of scope for
// this repository (spec.md §1); Spawner is the seam a concrete unikernel
// runtime plugs into.
type Spawner func(rec *engine.VMRecord) (*os.Process, *os.File, error)

// DefaultSpawner execs the named hypervisor binary with a small,
// unopinionated flag set derived from the VM record. It is a reasonable
// default for any runtime shaped like "one process per VM, console on a
// FIFO," not a specific unikernel's real launch contract.
func DefaultSpawner(path string) Spawner {
	return func(rec *engine.VMRecord) (*os.Process, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}

		cmd := exec.Command(path,
			"-id", rec.ID.String(),
			"-mem", strconv.FormatInt(rec.MemoryMB, 10),
			"-cpus", strconv.Itoa(rec.CPUs),
			"-tap", strings.Join(rec.Taps, ","),
			"-console", rec.FifoPath,
		)
		cmd.Stdout = w
		cmd.Stderr = w

		if err := cmd.Start(); err != nil {
			w.Close()
			r.Close()
			return nil, nil, err
		}
		w.Close() // the parent only ever reads; the child keeps its own copy of the write end

		return cmd.Process, r, nil
	}
}
