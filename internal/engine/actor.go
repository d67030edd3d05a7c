package engine

import (
	"os"
	"sync/atomic"

	"github.com/behrlich/vmmd/internal/vmid"
	"github.com/behrlich/vmmd/internal/wire"
)

// Engine owns State behind a single goroutine, reached only through the
// command channel started in New — the Go realization of spec.md §9's
// "model as owned state threaded through the event loop," generalized from
// one OS thread to one owning goroutine (see SPEC_FULL.md §5). No mutex
// ever guards State; run is the only goroutine that ever reads or writes it.
type Engine struct {
	cmds chan engineCmd
}

// New starts an Engine's owning goroutine over the given initial state.
func New(initial State) *Engine {
	e := &Engine{cmds: make(chan engineCmd)}
	go e.run(initial)
	return e
}

type engineCmdKind int

const (
	cmdSubmit engineCmdKind = iota
	cmdResume
	cmdShutdown
	cmdAttachProcess
)

type engineCmd struct {
	kind    engineCmdKind
	hdr     wire.Header
	payload []byte
	token   uint64
	ok      bool
	id      vmid.ID
	pid      int
	stdout   *os.File
	fifoPath string
	exit     *os.ProcessState
	reply   chan engineResult
}

// ContKind mirrors Continuation but is safe to hand back across the
// channel boundary (the pure Create.Resume closure stays inside run,
// addressed only by token).
type ContKind int

const (
	ContEnd ContKind = iota
	ContWait
	ContCreate
)

// Outcome is what Submit returns: the effects to dispatch plus what the
// caller must do next.
type Outcome struct {
	Effects []Effect
	Kind    ContKind
	Token   uint64 // valid when Kind == ContCreate; pass to Resume
	Wait    Wait   // valid when Kind == ContWait
}

type engineResult struct {
	effects []Effect
	kind    ContKind
	token   uint64
	wait    Wait
	record  *VMRecord
}

// Submit runs one command through the pure transition function on the
// owning goroutine and returns its outcome.
func (e *Engine) Submit(hdr wire.Header, payload []byte) Outcome {
	reply := make(chan engineResult, 1)
	e.cmds <- engineCmd{kind: cmdSubmit, hdr: hdr, payload: payload, reply: reply}
	r := <-reply
	return Outcome{Effects: r.effects, Kind: r.kind, Token: r.token, Wait: r.wait}
}

// Resume completes a pending two-phase create. ok reports whether the
// console helper's Add acknowledgement succeeded; on false the reservation
// made at Submit time is discarded and state reverts to what it was before
// the Create command, per spec.md §4.3 phase 2 rollback. It returns the
// follow-on effects and the finalized VM record (nil when ok is false).
func (e *Engine) Resume(token uint64, ok bool) ([]Effect, *VMRecord) {
	reply := make(chan engineResult, 1)
	e.cmds <- engineCmd{kind: cmdResume, token: token, ok: ok, reply: reply}
	r := <-reply
	return r.effects, r.record
}

// AttachProcess records the hypervisor pid, stdout handle, and resolved
// FIFO path for an already finalized VM record, once the supervisor has
// actually spawned the process (phase 2 can only build a record once k
// runs; the pid doesn't exist until the supervisor forks it, and the FIFO
// path depends on the supervisor's configured tmpdir, which the engine
// deliberately never knows, per spec.md §4.3).
func (e *Engine) AttachProcess(id vmid.ID, pid int, stdout *os.File, fifoPath string) {
	reply := make(chan engineResult, 1)
	e.cmds <- engineCmd{kind: cmdAttachProcess, id: id, pid: pid, stdout: stdout, fifoPath: fifoPath, reply: reply}
	<-reply
}

// Shutdown runs HandleShutdown for a reaped VM and returns the bookkeeping
// effects.
func (e *Engine) Shutdown(id vmid.ID, exit *os.ProcessState) []Effect {
	reply := make(chan engineResult, 1)
	e.cmds <- engineCmd{kind: cmdShutdown, id: id, exit: exit, reply: reply}
	r := <-reply
	return r.effects
}

type pendingCreate struct {
	state  State
	resume func(State) (State, []Effect, *VMRecord)
}

var tokenCounter uint64

func nextToken() uint64 { return atomic.AddUint64(&tokenCounter, 1) }

func (e *Engine) run(state State) {
	pending := make(map[uint64]pendingCreate)

	for c := range e.cmds {
		switch c.kind {
		case cmdSubmit:
			state2, effects, cont := Handle(state, c.hdr, c.payload)
			switch k := cont.(type) {
			case End:
				state = state2
				c.reply <- engineResult{effects: effects, kind: ContEnd}
			case Wait:
				state = state2
				c.reply <- engineResult{effects: effects, kind: ContWait, wait: k}
			case Create:
				token := nextToken()
				pending[token] = pendingCreate{state: state2, resume: k.Resume}
				// state deliberately NOT advanced: the reservation lives only
				// in state2, captured by the pending entry, until Resume(token,
				// true) commits it or Resume(token, false) discards it.
				c.reply <- engineResult{effects: effects, kind: ContCreate, token: token}
			}

		case cmdResume:
			p, ok := pending[c.token]
			delete(pending, c.token)
			if !ok || !c.ok {
				c.reply <- engineResult{}
				continue
			}
			state2, effects, rec := p.resume(p.state)
			state = state2
			c.reply <- engineResult{effects: effects, record: rec}

		case cmdAttachProcess:
			if rec, ok := state.VMs[c.id.String()]; ok {
				rec.PID = c.pid
				rec.Stdout = c.stdout
				rec.FifoPath = c.fifoPath
			}
			c.reply <- engineResult{}

		case cmdShutdown:
			state2, effects := HandleShutdown(state, c.id, c.exit)
			state = state2
			c.reply <- engineResult{effects: effects}
		}
	}
}
