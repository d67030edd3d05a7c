// Package engine implements the VM lifecycle state machine as a pure
// transition function: Handle(state, header, payload) -> (state', effects,
// continuation). No I/O happens here — every side effect the transition
// wants performed is returned as a value for the supervisor to carry out,
// exactly as spec.md's §4.3 describes. internal/engine/actor.go wraps this
// pure core in a single owning goroutine so the supervisor never needs a
// mutex around the VM table.
package engine

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/behrlich/vmmd/internal/vmerr"
	"github.com/behrlich/vmmd/internal/vmid"
	"github.com/behrlich/vmmd/internal/wire"
)

// VMRecord is everything the engine tracks about one running VM.
type VMRecord struct {
	ID       vmid.ID
	PID      int      // 0 until the supervisor spawns the hypervisor and calls AttachProcess
	Stdout   *os.File // kept open until reaped; owned by the supervisor, closed exactly once in the reaper
	Taps     []string
	MemoryMB int64
	CPUs     int
	FifoPath string
}

// ResourcePool tracks what remains available to reserve.
type ResourcePool struct {
	FreeTaps      []string
	MemoryBudget  int64 // remaining reservable memory, in megabytes
}

// State is the engine's entire mutable world: the VM table plus free
// resource accounting. The sole mutator is Handle/HandleShutdown, invoked
// only from the actor's owning goroutine (see actor.go).
type State struct {
	VMs  map[string]*VMRecord
	Pool ResourcePool
}

// NewState builds an empty engine state with the given resource budgets.
func NewState(taps []string, memoryBudgetMB int64) State {
	freeTaps := make([]string, len(taps))
	copy(freeTaps, taps)
	return State{
		VMs: make(map[string]*VMRecord),
		Pool: ResourcePool{
			FreeTaps:     freeTaps,
			MemoryBudget: memoryBudgetMB,
		},
	}
}

// clone returns a copy of s whose VM table and free-tap slice are
// independent of s's — so a phase-1 reservation can be discarded wholesale
// by simply not committing it, leaving the original State bit-equal to
// what it was before the command (spec.md §8's rollback invariant).
func (s State) clone() State {
	vms := make(map[string]*VMRecord, len(s.VMs))
	for k, v := range s.VMs {
		vms[k] = v
	}
	taps := make([]string, len(s.Pool.FreeTaps))
	copy(taps, s.Pool.FreeTaps)
	return State{
		VMs: vms,
		Pool: ResourcePool{
			FreeTaps:     taps,
			MemoryBudget: s.Pool.MemoryBudget,
		},
	}
}

// Effect is an ordered side-effect intent emitted by a transition. The
// supervisor, never the engine, performs the I/O each one names.
type Effect interface{ isEffect() }

// ConsEffect delivers a frame to the console helper.
type ConsEffect struct{ Frame wire.Frame }

// StatEffect delivers a frame to the stats helper.
type StatEffect struct{ Frame wire.Frame }

// LogEffect delivers a frame to the log helper.
type LogEffect struct{ Frame wire.Frame }

// DataEffect sends a frame back on the originating client socket.
type DataEffect struct{ Frame wire.Frame }

// KillEffect asks the supervisor to send a termination signal to a pid.
// The engine cannot do this itself (it is pure); this is the Go shape of
// spec.md §4.3's "sends a termination signal to its pid."
type KillEffect struct{ PID int }

func (ConsEffect) isEffect() {}
func (StatEffect) isEffect() {}
func (LogEffect) isEffect()  {}
func (DataEffect) isEffect() {}
func (KillEffect) isEffect() {}

// Continuation is the pure core's verdict on what must happen next.
type Continuation interface{ isContinuation() }

// End: processing is complete, state' is final.
type End struct{}

// Wait: await an external task, then emit Post once it completes.
type Wait struct {
	Task string
	Post []Effect
}

// Create: a create is pending console acknowledgement. Resume must be
// invoked exactly once, with the State this Create was returned alongside,
// after (and only after) the console helper's Add reply is known to have
// succeeded. On a failing reply the caller must simply never call Resume —
// discarding the State this Create closed over is the rollback (spec.md
// §4.3 phase 2).
type Create struct {
	Resume func(State) (State, []Effect, *VMRecord)
}

func (End) isContinuation()    {}
func (Wait) isContinuation()   {}
func (Create) isContinuation() {}

// tapsPerVM is the number of tap devices reserved for every created VM.
// The spec's resource model names tap devices as a pool without specifying
// an allocation count per VM; one tap per VM is the smallest faithful
// choice.
const tapsPerVM = 1

// Handle is the engine's pure transition function. It never performs I/O
// and never blocks.
func Handle(state State, hdr wire.Header, payload []byte) (State, []Effect, Continuation) {
	if hdr.Version != wire.Version {
		return state, []Effect{failEffect(vmerr.NewVM("handle", hdr.ID, vmerr.KindProtocol, "version mismatch"))}, End{}
	}
	if !hdr.ID.Valid() {
		return state, []Effect{failEffect(vmerr.NewVM("handle", hdr.ID, vmerr.KindDecode, "invalid identifier"))}, End{}
	}

	switch hdr.Tag {
	case wire.TagInfo:
		return handleInfo(state, hdr)
	case wire.TagDestroy:
		return handleDestroy(state, hdr)
	case wire.TagCreate:
		return handleCreate(state, hdr, payload)
	default:
		return state, []Effect{failEffect(vmerr.NewVM("handle", hdr.ID, vmerr.KindProtocol, "unexpected command tag: "+hdr.Tag.String()))}, End{}
	}
}

// failEffect renders a structured vmerr.Error as the client-facing Fail
// frame, so every rejection carries the same Kind taxonomy spec.md §7 makes
// observable by the core, not just an ad hoc string.
func failEffect(err *vmerr.Error) Effect {
	return DataEffect{wire.NewFrame(wire.TagFail, err.VM, wire.FailPayload(err.Error()))}
}

func okEffect(id vmid.ID, msg string) Effect {
	return DataEffect{wire.NewFrame(wire.TagOK, id, wire.OKPayload(msg))}
}

// lookup finds a VM by exact name or, failing that, the lexicographically
// first record for which the requested id is a strict ancestor prefix —
// spec.md §4.3's "info (lookup by name or prefix)."
func lookup(state State, id vmid.ID) *VMRecord {
	if rec, ok := state.VMs[id.String()]; ok {
		return rec
	}
	keys := make([]string, 0, len(state.VMs))
	for k := range state.VMs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec := state.VMs[k]
		if id.IsPrefixOf(rec.ID) {
			return rec
		}
	}
	return nil
}

func handleInfo(state State, hdr wire.Header) (State, []Effect, Continuation) {
	rec := lookup(state, hdr.ID)
	if rec == nil {
		return state, []Effect{failEffect(vmerr.NewVM("info", hdr.ID, vmerr.KindNotFound, "not found"))}, End{}
	}
	msg := infoMessage(rec)
	return state, []Effect{okEffect(hdr.ID, msg)}, End{}
}

func infoMessage(rec *VMRecord) string {
	return "pid=" + strconv.Itoa(rec.PID) +
		" mem=" + strconv.FormatInt(rec.MemoryMB, 10) +
		" cpus=" + strconv.Itoa(rec.CPUs) +
		" taps=" + strings.Join(rec.Taps, ",") +
		" fifo=" + rec.FifoPath
}

func handleDestroy(state State, hdr wire.Header) (State, []Effect, Continuation) {
	rec, ok := state.VMs[hdr.ID.String()]
	if !ok {
		return state, []Effect{failEffect(vmerr.NewVM("destroy", hdr.ID, vmerr.KindNotFound, "not found"))}, End{}
	}
	// Table removal, stat/log bookkeeping, and tap/memory release all happen
	// later in HandleShutdown, once the reaper observes the process actually
	// exit — so kill-by-destroy and kill-by-other-means converge on one path
	// (spec.md §4.3 "Destroy").
	effects := []Effect{
		KillEffect{PID: rec.PID},
		okEffect(hdr.ID, "destroying"),
	}
	return state, effects, End{}
}

func handleCreate(state State, hdr wire.Header, payload []byte) (State, []Effect, Continuation) {
	if _, exists := state.VMs[hdr.ID.String()]; exists {
		return state, []Effect{failEffect(vmerr.NewVM("create", hdr.ID, vmerr.KindResource, "already exists"))}, End{}
	}
	memoryMB, cpus, err := wire.DecodeCreatePayload(payload)
	if err != nil {
		return state, []Effect{failEffect(vmerr.NewVM("create", hdr.ID, vmerr.KindDecode, err.Error()))}, End{}
	}
	if int64(memoryMB) > state.Pool.MemoryBudget {
		return state, []Effect{failEffect(vmerr.NewVM("create", hdr.ID, vmerr.KindResource, "memory budget exhausted"))}, End{}
	}
	if len(state.Pool.FreeTaps) < tapsPerVM {
		return state, []Effect{failEffect(vmerr.NewVM("create", hdr.ID, vmerr.KindResource, "no tap devices available"))}, End{}
	}

	reserved := state.clone()
	reserved.Pool.MemoryBudget -= int64(memoryMB)
	taps := append([]string(nil), reserved.Pool.FreeTaps[:tapsPerVM]...)
	reserved.Pool.FreeTaps = reserved.Pool.FreeTaps[tapsPerVM:]

	id := hdr.ID.Clone()
	effects := []Effect{
		ConsEffect{wire.NewFrame(wire.TagAddConsole, id, nil)},
		LogEffect{wire.NewFrame(wire.TagLogLine, id, wire.LogPayload("create: reserved resources for "+id.String()))},
	}

	resume := func(s State) (State, []Effect, *VMRecord) {
		s2 := s.clone()
		rec := &VMRecord{
			ID:       id,
			Taps:     taps,
			MemoryMB: int64(memoryMB),
			CPUs:     int(cpus),
			FifoPath: consoleFIFOPath(id.String()),
		}
		s2.VMs[id.String()] = rec
		effects := []Effect{
			StatEffect{wire.NewFrame(wire.TagStatEvent, id, wire.StatPayload(wire.StatVMCreated))},
			LogEffect{wire.NewFrame(wire.TagLogLine, id, wire.LogPayload("create: vm "+id.String()+" started"))},
			okEffect(id, "created"),
		}
		return s2, effects, rec
	}

	return reserved, effects, Create{Resume: resume}
}

// HandleShutdown is invoked by the reaper path once a child process's exit
// has been observed. It removes the VM from the table, releases its
// reserved taps and memory to the pool, and emits bookkeeping effects. The
// console ring for this VM is deliberately left untouched — spec.md §9's
// open question on rings never being removed on destroy is preserved here
// verbatim, since this is the one place in the codebase where a destroy
// could have triggered ring cleanup and deliberately doesn't.
func HandleShutdown(state State, id vmid.ID, exitState *os.ProcessState) (State, []Effect) {
	rec, ok := state.VMs[id.String()]
	if !ok {
		return state, []Effect{LogEffect{wire.NewFrame(wire.TagLogLine, id, wire.LogPayload("reap: unknown vm "+id.String()+" exited"))}}
	}
	s2 := state.clone()
	delete(s2.VMs, id.String())
	s2.Pool.MemoryBudget += rec.MemoryMB
	s2.Pool.FreeTaps = append(s2.Pool.FreeTaps, rec.Taps...)

	status := "unknown"
	if exitState != nil {
		status = vmerr.ChildExit(id, exitState).Error()
	}
	effects := []Effect{
		LogEffect{wire.NewFrame(wire.TagLogLine, id, wire.LogPayload("reap: vm "+id.String()+" exited: "+status))},
		StatEffect{wire.NewFrame(wire.TagStatEvent, id, wire.StatPayload(wire.StatVMDestroyed))},
	}
	return s2, effects
}

func consoleFIFOPath(dottedID string) string {
	// internal/console.FIFOPath derives the same path from a tmpdir; the
	// engine doesn't know the configured tmpdir, so it records the bare
	// file name here; the supervisor derives the full path with
	// console.FIFOPath (see Supervisor.createFIFO and finishCreate) and
	// records it on the VM through AttachProcess.
	return dottedID + ".fifo"
}
