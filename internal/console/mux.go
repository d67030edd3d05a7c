// Package console implements the per-VM ring-buffer multiplexer: a bounded
// history ring per named FIFO, an at-most-one live subscriber per name, and
// the Add/Attach/Detach/History request vocabulary served over the console
// helper's command socket. The companion binary is cmd/vmm_console; this
// package is also imported directly by internal/supervisor for the FIFO
// path convention the two processes share.
package console

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/behrlich/vmmd/internal/logging"
	"github.com/behrlich/vmmd/internal/ring"
	"github.com/behrlich/vmmd/internal/vmid"
	"github.com/behrlich/vmmd/internal/wire"
)

func newDataFrame(dottedID string, at time.Time, line string) wire.Frame {
	id, err := vmid.Parse(dottedID)
	if err != nil {
		id = vmid.ID{dottedID} // defensive: dottedID is always an already-validated identifier in practice
	}
	return wire.NewFrame(wire.TagData, id, wire.DataPayload(at, line))
}

// DefaultRingCapacity is used when no explicit capacity is configured.
const DefaultRingCapacity = 4096

// SubscriberQueueDepth bounds a subscriber's outbound frame queue. Console
// lines arrive one at a time off a FIFO, so this only needs to absorb a
// burst between sends; a full queue is treated as a dead subscriber.
const SubscriberQueueDepth = 256

// FIFOPath derives the path the supervisor must create (and the reader side
// must open) for a VM's console: "<tmpdir>/<dotted-id>.fifo".
func FIFOPath(tmpDir, dottedID string) string {
	return fmt.Sprintf("%s/%s.fifo", tmpDir, dottedID)
}

// Mux owns rings and subs behind no internal mutex: every mutation is
// funnelled through run(), the single goroutine this type starts in New.
// The server's per-connection handlers reach it through the exported methods
// below, which are synchronous request/reply round trips over an internal
// command channel; each ring's reader goroutine (readLoop) posts its lines
// onto that same channel without waiting for a reply — the Go realization of
// "both mutated only on the multiplexer's event loop."
type Mux struct {
	cmds   chan muxCmd
	logger *logging.Logger
	now    func() time.Time
	cap    int
}

// New starts a Mux's owning goroutine and returns a handle to it.
func New(logger *logging.Logger, ringCapacity int) *Mux {
	if logger == nil {
		logger = logging.Default()
	}
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	mx := &Mux{
		cmds:   make(chan muxCmd),
		logger: logger,
		now:    time.Now,
		cap:    ringCapacity,
	}
	go mx.run()
	return mx
}

type muxCmdKind int

const (
	cmdAdd muxCmdKind = iota
	cmdAttach
	cmdDetach
	cmdHistory
	cmdLine
)

type muxCmd struct {
	kind  muxCmdKind
	id    string
	sub   *subscriberConn
	since time.Time
	at    time.Time
	line  string
	reply chan muxResult
}

type muxResult struct {
	status  string
	entries []ring.Entry
	err     error
}

var errNotFound = fmt.Errorf("console: no such ring")

// Add allocates (or silently replaces, per spec) a ring for id and starts a
// reader goroutine tailing f. Call this only after f has been opened
// successfully — opening the FIFO is the caller's suspension point, not the
// Mux's, so a slow or blocked open never stalls other console operations.
func (mx *Mux) Add(id string, f *os.File) {
	reply := make(chan muxResult, 1)
	mx.cmds <- muxCmd{kind: cmdAdd, id: id, reply: reply}
	<-reply // synchronizes the ring's existence before the reader starts publishing to it
	go mx.readLoop(id, f)
}

// Attach installs sub as the live subscriber for id, displacing (not
// closing) any prior subscriber. Returns errNotFound if id has no ring.
func (mx *Mux) Attach(id string, sub *subscriberConn) error {
	reply := make(chan muxResult, 1)
	mx.cmds <- muxCmd{kind: cmdAttach, id: id, sub: sub, reply: reply}
	return (<-reply).err
}

// Detach removes id's subscriber, if any. Always succeeds.
func (mx *Mux) Detach(id string) {
	reply := make(chan muxResult, 1)
	mx.cmds <- muxCmd{kind: cmdDetach, id: id, reply: reply}
	<-reply
}

// History returns every entry in id's ring strictly newer than since, in
// chronological order. Returns errNotFound if id has no ring.
func (mx *Mux) History(id string, since time.Time) ([]ring.Entry, error) {
	reply := make(chan muxResult, 1)
	mx.cmds <- muxCmd{kind: cmdHistory, id: id, since: since, reply: reply}
	res := <-reply
	return res.entries, res.err
}

func (mx *Mux) run() {
	rings := make(map[string]*ring.Ring)
	subs := make(map[string]*subscriberConn)

	for c := range mx.cmds {
		switch c.kind {
		case cmdAdd:
			rings[c.id] = ring.New(mx.cap)
			c.reply <- muxResult{}

		case cmdAttach:
			if _, ok := rings[c.id]; !ok {
				c.reply <- muxResult{err: errNotFound}
				continue
			}
			subs[c.id] = c.sub
			c.reply <- muxResult{status: "attached"}

		case cmdDetach:
			delete(subs, c.id)
			c.reply <- muxResult{status: "removed"}

		case cmdHistory:
			r, ok := rings[c.id]
			if !ok {
				c.reply <- muxResult{err: errNotFound}
				continue
			}
			c.reply <- muxResult{status: "success", entries: r.Since(c.since)}

		case cmdLine:
			r, ok := rings[c.id]
			if !ok {
				continue // ring was never created or already gone; drop the orphaned line
			}
			r.Write(c.at, c.line)
			if sub, ok := subs[c.id]; ok {
				if !sub.send(newDataFrame(c.id, c.at, c.line)) {
					delete(subs, c.id)
				}
			}
		}
	}
}

// readLoop tails f line by line, timestamping and appending each line to
// id's ring and forwarding it to the live subscriber, if any. It never
// deletes the ring on exit, matching the multiplexer's "history remains
// queryable" behavior.
func (mx *Mux) readLoop(id string, f *os.File) {
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		mx.cmds <- muxCmd{kind: cmdLine, id: id, at: mx.now(), line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		mx.logger.Warn("console reader error", "vm", id, "err", err)
		return
	}
	mx.logger.Debug("console reader reached eof", "vm", id)
}
