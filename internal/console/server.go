package console

import (
	"bufio"
	"errors"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/behrlich/vmmd/internal/logging"
	"github.com/behrlich/vmmd/internal/vmid"
	"github.com/behrlich/vmmd/internal/wire"
)

// Server accepts connections on the console helper's command socket and
// dispatches each frame to a Mux. Every accepted connection is wrapped as a
// subscriberConn from the start: a connection that never issues Attach just
// never receives an unsolicited Data push, but the uniform wrapping means
// reply frames and subscriber pushes always go through the same serialized
// sender, whether or not this connection ends up attached to anything.
type Server struct {
	mux    *Mux
	tmpDir string
	logger *logging.Logger
}

// NewServer builds a Server. tmpDir is the directory FIFO paths are derived
// from (see FIFOPath).
func NewServer(mux *Mux, tmpDir string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{mux: mux, tmpDir: tmpDir, logger: logger}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	log := s.logger.With("conn", connID)
	sub := newSubscriberConn(connID, conn, SubscriberQueueDepth)
	defer sub.close()

	r := bufio.NewReader(conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			var mismatch *wire.ErrVersionMismatch
			if errors.As(err, &mismatch) {
				sub.send(wire.NewFrame(wire.TagFail, f.Header.ID, wire.FailPayload(mismatch.Error())))
				continue
			}
			log.Debug("console connection closed", "err", err)
			return
		}
		s.dispatch(sub, f, log)
	}
}

func (s *Server) dispatch(sub *subscriberConn, f wire.Frame, log *logging.Logger) {
	id := f.Header.ID.String()

	switch f.Header.Tag {
	case wire.TagAddConsole:
		s.handleAdd(sub, id, f.Header.ID, log)

	case wire.TagAttachConsole:
		if err := s.mux.Attach(id, sub); err != nil {
			sub.send(wire.NewFrame(wire.TagFail, f.Header.ID, wire.FailPayload("not found")))
			return
		}
		sub.send(wire.NewFrame(wire.TagOK, f.Header.ID, wire.OKPayload("attached")))

	case wire.TagDetachConsole:
		s.mux.Detach(id)
		sub.send(wire.NewFrame(wire.TagOK, f.Header.ID, wire.OKPayload("removed")))

	case wire.TagHistory:
		since, err := wire.DecodeHistoryPayload(f.Payload)
		if err != nil {
			sub.send(wire.NewFrame(wire.TagFail, f.Header.ID, wire.FailPayload(err.Error())))
			return
		}
		entries, err := s.mux.History(id, since)
		if err != nil {
			sub.send(wire.NewFrame(wire.TagFail, f.Header.ID, wire.FailPayload("no such ring: "+id)))
			return
		}
		for _, e := range entries {
			sub.send(wire.NewFrame(wire.TagData, f.Header.ID, wire.DataPayload(e.At, e.Line)))
		}
		sub.send(wire.NewFrame(wire.TagOK, f.Header.ID, wire.OKPayload("success")))

	default:
		log.Warn("unexpected console request tag", "tag", f.Header.Tag)
		sub.send(wire.NewFrame(wire.TagFail, f.Header.ID, wire.FailPayload("unexpected tag: "+f.Header.Tag.String())))
	}
}

// handleAdd opens the VM's FIFO for reading — a blocking call that may wait
// for the hypervisor's write end to connect — and only on success installs
// the ring and starts the reader goroutine. It runs on this connection's own
// goroutine, never on the Mux's command goroutine, so a slow or stalled open
// never stalls any other console operation.
func (s *Server) handleAdd(sub *subscriberConn, id string, wireID vmid.ID, log *logging.Logger) {
	path := FIFOPath(s.tmpDir, id)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		log.Warn("console fifo open failed", "vm", id, "path", path, "err", err)
		sub.send(wire.NewFrame(wire.TagFail, wireID, wire.FailPayload("open fifo: "+err.Error())))
		return
	}
	s.mux.Add(id, f)
	sub.send(wire.NewFrame(wire.TagOK, wireID, wire.OKPayload("reading")))
}
