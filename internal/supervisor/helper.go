package supervisor

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/behrlich/vmmd/internal/logging"
	"github.com/behrlich/vmmd/internal/wire"
)

// HelperChannel is a name, a bounded outbound queue, and a connection to a
// cooperating helper process — spec.md §3's "Helper channel" triple,
// realized as a dedicated drain goroutine over a buffered channel, the same
// idiom the teacher's internal/queue.Runner uses for its io_uring
// completion drain: one goroutine owns the connection's write side, every
// other goroutine only ever enqueues.
type HelperChannel struct {
	Name string

	conn   net.Conn
	out    chan wire.Frame
	logger *logging.Logger

	fatal  func(error) // called if a write fails and this helper is essential
	closed chan struct{}
}

// newHelperChannel starts a HelperChannel's sender goroutine. fatal is
// invoked (once) if the drain goroutine hits a write error; essential
// helpers (console, log) pass a fatal func that aborts the daemon, stats
// passes one that merely logs and stops the sender, per spec.md §3/§4.4.
func newHelperChannel(name string, conn net.Conn, queueDepth int, logger *logging.Logger, fatal func(error)) *HelperChannel {
	hc := &HelperChannel{
		Name:   name,
		conn:   conn,
		out:    make(chan wire.Frame, queueDepth),
		logger: logger,
		fatal:  fatal,
		closed: make(chan struct{}),
	}
	go hc.senderLoop()
	return hc
}

// Enqueue submits a frame for delivery, preserving submission order. It
// blocks if the queue is full, providing the backpressure spec.md §9 asks
// for rather than growing an unbounded mailbox.
func (hc *HelperChannel) Enqueue(f wire.Frame) {
	select {
	case hc.out <- f:
	case <-hc.closed:
	}
}

func (hc *HelperChannel) senderLoop() {
	w := bufio.NewWriter(hc.conn)
	defer close(hc.closed)
	for f := range hc.out {
		if err := wire.WriteFrame(w, f); err != nil {
			hc.logger.Error("helper channel write failed", "helper", hc.Name, "err", err)
			hc.conn.Close()
			if hc.fatal != nil {
				hc.fatal(err)
			}
			return
		}
	}
}

// dialHelperSocket connects to a helper's unix socket, watching the
// socket's directory with fsnotify and retrying the dial if the socket
// doesn't exist yet — the supervisor's startup ordering relative to its
// helper processes isn't guaranteed, so this replaces busy-polling with an
// event-driven wait, bounded by timeout.
func dialHelperSocket(path string, timeout time.Duration) (net.Conn, error) {
	if conn, err := net.Dial("unix", path); err == nil {
		return conn, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("supervisor: create fs watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("supervisor: watch %s: %w", dir, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("supervisor: fs watcher closed waiting for %s", path)
			}
			if ev.Op&fsnotify.Create == 0 || ev.Name != path {
				continue
			}
			if conn, err := net.Dial("unix", path); err == nil {
				return conn, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("supervisor: fs watcher closed waiting for %s", path)
			}
			return nil, fmt.Errorf("supervisor: watch error: %w", err)
		case <-deadline.C:
			return nil, fmt.Errorf("supervisor: timed out waiting for helper socket %s", path)
		}
	}
}

// consoleClient wraps the console helper's HelperChannel with request/reply
// correlation by VM identifier, since multiple client connections may each
// have a create in flight against the same shared console connection at
// once. A single reader goroutine demultiplexes replies by identifier.
type consoleClient struct {
	helper *HelperChannel
	r      *bufio.Reader

	mu      sync.Mutex
	pending map[string]chan wire.Frame

	logger *logging.Logger
}

func newConsoleClient(helper *HelperChannel, conn net.Conn, logger *logging.Logger) *consoleClient {
	cc := &consoleClient{
		helper:  helper,
		r:       bufio.NewReader(conn),
		pending: make(map[string]chan wire.Frame),
		logger:  logger,
	}
	go cc.readLoop()
	return cc
}

func (cc *consoleClient) readLoop() {
	for {
		f, err := wire.ReadFrame(cc.r)
		if err != nil {
			cc.logger.Debug("console reply reader stopped", "err", err)
			return
		}
		key := f.Header.ID.String()
		cc.mu.Lock()
		ch, ok := cc.pending[key]
		cc.mu.Unlock()
		if !ok {
			cc.logger.Warn("console reply with no pending request", "vm", key, "tag", f.Header.Tag)
			continue
		}
		ch <- f
	}
}

// addAndWait sends Add for id and blocks this caller's goroutine only (not
// the console connection's own sender/reader) until the matching reply
// arrives or timeout elapses.
func (cc *consoleClient) addAndWait(id wire.Header, timeout time.Duration) (wire.Frame, error) {
	key := id.ID.String()
	ch := make(chan wire.Frame, 1)
	cc.mu.Lock()
	cc.pending[key] = ch
	cc.mu.Unlock()
	defer func() {
		cc.mu.Lock()
		delete(cc.pending, key)
		cc.mu.Unlock()
	}()

	cc.helper.Enqueue(wire.NewFrame(wire.TagAddConsole, id.ID, nil))

	select {
	case f := <-ch:
		return f, nil
	case <-time.After(timeout):
		return wire.Frame{}, fmt.Errorf("supervisor: console Add timed out for %s", key)
	}
}
