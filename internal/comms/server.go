package comms

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweepline-ai/sweepline/internal/prom"
	"github.com/sweepline-ai/sweepline/internal/registry"
)

// Server owns the report socket. It decodes datagrams and applies each as a
// single atomic registry update, concurrently with the scheduling loop's
// polling path; the registry's own synchronization resolves interleavings.
type Server struct {
	conn *net.UDPConn
	reg  *registry.Registry
	log  *log.Entry
}

// NewServer binds the report socket.
func NewServer(listen string, reg *registry.Registry) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, errors.Wrapf(err, "error resolving report listen address %q", listen)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error binding report socket on %q", listen)
	}
	return &Server{
		conn: conn,
		reg:  reg,
		log:  log.WithField("component", "comms"),
	}, nil
}

// Addr returns the bound socket address, for handing to submitted jobs.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Run receives datagrams until the context is canceled. Malformed or stale
// messages are logged and dropped; nothing received on the wire can fail the
// run.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "error reading report socket")
		}
		s.handle(buf[:n])
	}
}

func (s *Server) handle(b []byte) {
	msg, err := DecodeMessage(b)
	if err != nil {
		prom.MessagesDroppedTotal.Inc()
		s.log.WithError(err).Debug("dropping malformed datagram")
		return
	}
	prom.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	switch msg.Kind {
	case KindRegister:
		err = s.reg.HandleRegister(msg.JobID)
	case KindProgress:
		if msg.Progress == nil {
			err = errors.New("progress message without fraction")
			break
		}
		err = s.reg.HandleProgress(msg.JobID, *msg.Progress)
	case KindIntermediate:
		metrics, annotations := SplitMetrics(msg.Metrics)
		ts := time.Now()
		if msg.Timestamp != nil {
			ts = *msg.Timestamp
		}
		err = s.reg.HandleIntermediate(msg.JobID, metrics, annotations, ts)
	case KindFinalResult:
		metrics, annotations := SplitMetrics(msg.Metrics)
		err = s.reg.HandleFinalResult(msg.JobID, metrics, annotations)
	case KindResumeRequested:
		err = s.reg.HandleResumeRequest(msg.JobID)
	}

	if err != nil {
		prom.MessagesDroppedTotal.Inc()
		entry := s.log.WithError(err).WithFields(log.Fields{
			"job":  msg.JobID,
			"kind": msg.Kind,
		})
		// Stale and unknown ids are business as usual on an at-most-once
		// channel; anything else deserves a warning.
		if errors.Is(err, registry.ErrUnknownJob) || errors.Is(err, registry.ErrStaleMessage) {
			entry.Debug("dropping datagram")
		} else {
			entry.Warn("dropping datagram")
		}
	}
}

// Apply lets tests and in-process backends inject a message without a socket,
// through the same handling path as received datagrams.
func (s *Server) Apply(msg Message) {
	b, err := msg.Encode()
	if err != nil {
		s.log.WithError(err).Warn("dropping unencodable message")
		return
	}
	s.handle(b)
}
