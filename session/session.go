// Package session implements reliable, ordered delivery of sequenced frames
// from one writer endpoint to one reader endpoint over a stream connection.
//
// A Session moves through states CONNECTING -> ESTABLISHED -> (DEGRADED) ->
// CLOSED. A writer Session is established by Dial, which sends a HANDSHAKE
// and awaits the reader's ACCEPT or REJECT. A reader Session is established
// by Accept. Once established, the writer numbers frames contiguously and
// buffers each until it's cumulatively acknowledged by the reader,
// retransmitting with exponential backoff. A frame exceeding its retry bound
// is dropped, and the Session is DEGRADED until a later frame is
// acknowledged. Writers send periodic HEARTBEATs which tell readers of the
// frames still available. Readers deliver frames to their Sink in strict
// sequence order, buffering out-of-order frames until the gap is filled or
// has been open for longer than the GapTimeout, in which case the gap is
// skipped and reported as a LossEvent.
package session

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
	"golang.org/x/net/trace"
)

// State of a Session.
type State int32

const (
	Connecting State = iota
	Established
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Established:
		return "ESTABLISHED"
	case Degraded:
		return "DEGRADED"
	case Closed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// Role of a Session endpoint.
type Role uint8

const (
	WriterRole Role = iota
	ReaderRole
)

func (r Role) String() string {
	if r == WriterRole {
		return "writer"
	}
	return "reader"
}

// LossEvent describes a range of session sequence numbers which will never
// be delivered.
type LossEvent struct {
	Writer      pb.EndpointID
	Topic       pb.Topic
	First, Last pb.SequenceNumber
	Reason      string
	At          time.Time
}

// Count of sequence numbers lost.
func (ev LossEvent) Count() uint64 { return uint64(ev.Last-ev.First) + 1 }

// Stats of a Session.
type Stats struct {
	Role           Role
	State          State
	Writer, Reader pb.EndpointID
	Topic          pb.Topic
	Compression    pb.CompressionCodec
	Remote         string

	FramesSent, FramesReceived uint64
	BytesSent, BytesReceived   uint64
	Retransmits                uint64
	Duplicates                 uint64
	// Lost sequence numbers: dropped past their retry bound by a writer, or
	// skipped by a reader.
	Lost uint64
	// Pending unacknowledged frames of a writer, or buffered out-of-order
	// frames of a reader.
	Pending int
	// Sequence is the last sequence number sent by a writer, or delivered by
	// a reader.
	Sequence pb.SequenceNumber
	// Acked is the highest cumulative acknowledgement.
	Acked pb.SequenceNumber
	// Held is the last sequence which the reader has received but holds
	// undelivered while its Sink is full, or zero.
	Held pb.SequenceNumber
	// Err is the most recent error of the Session, such as the
	// ErrTransportTimeout of a DEGRADED Session or the cause of its closure.
	Err error
}

// Session is a reliable, ordered delivery channel between one writer and one
// reader endpoint.
type Session struct {
	role        Role
	writer      pb.EndpointID
	reader      pb.EndpointID
	topic       pb.Topic
	policy      qos.Policy
	compression pb.CompressionCodec
	conn        net.Conn
	br          *bufio.Reader
	sink        Sink
	onClosed    func(*Session, error)
	events      trace.EventLog
	logEntry    *log.Entry

	sendMu sync.Mutex // Serializes writes to |conn|.

	mu       sync.Mutex
	state    State
	err      error
	outbound []byte
	stats    Stats

	// Writer state.
	nextSeq        pb.SequenceNumber
	pending        map[pb.SequenceNumber]*pending
	droppedThrough pb.SequenceNumber
	held           pb.SequenceNumber
	lastHeartbeat  time.Time

	// Reader state.
	delivered pb.SequenceNumber
	window    map[pb.SequenceNumber]*pb.Frame
	gapSince  time.Time
	ackDue    bool
	blocked   bool              // The Sink refused the next in-order frame.
	ackedHeld pb.SequenceNumber // Held of the last ACK sent.

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(role Role, conn net.Conn, policy qos.Policy, writer, reader pb.EndpointID, topic pb.Topic) *Session {
	var s = &Session{
		role:    role,
		writer:  writer,
		reader:  reader,
		topic:   topic,
		policy:  policy,
		conn:    conn,
		br:      bufio.NewReader(conn),
		state:   Connecting,
		nextSeq: 1,
		pending: make(map[pb.SequenceNumber]*pending),
		window:  make(map[pb.SequenceNumber]*pb.Frame),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.events = trace.NewEventLog("dds.Session", fmt.Sprintf("%s %s %s->%s",
		role, topic, writer, reader))
	s.logEntry = log.WithFields(log.Fields{
		"role":   role,
		"topic":  topic.String(),
		"writer": writer,
		"reader": reader,
		"remote": remoteAddr(conn),
	})
	metrics.Sessions.WithLabelValues(Connecting.String()).Inc()
	return s
}

// Role of the Session.
func (s *Session) Role() Role { return s.role }

// Writer returns the writer EndpointID of the Session.
func (s *Session) Writer() pb.EndpointID { return s.writer }

// Reader returns the reader EndpointID of the Session.
func (s *Session) Reader() pb.EndpointID { return s.reader }

// Topic of the Session.
func (s *Session) Topic() pb.Topic { return s.topic }

// Done is closed when the Session is CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current State of the Session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the most recent error of the Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns a snapshot of Session Stats.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = s.stats
	out.Role = s.role
	out.State = s.state
	out.Writer, out.Reader = s.writer, s.reader
	out.Topic = s.topic
	out.Compression = s.compression
	out.Remote = remoteAddr(s.conn)
	out.Err = s.err

	if s.role == WriterRole {
		out.Pending = len(s.pending)
		out.Sequence = s.nextSeq - 1
		if s.held > s.stats.Acked {
			out.Held = s.held
		}
	} else {
		out.Pending = len(s.window)
		out.Sequence = s.delivered
		out.Acked = s.delivered
		out.Held = s.heldLocked()
	}
	return out
}

// Close the Session. A CLOSE frame is sent to the peer, and pending sends of
// a writer Session fail with ErrSessionClosed. Close must not be called from
// a Sink callback.
func (s *Session) Close() error {
	s.closeWith(nil, true)
	s.wg.Wait()
	return nil
}

// start background loops of an ESTABLISHED Session.
func (s *Session) start() {
	s.wg.Add(3)
	go s.serveRecv()
	go s.serveSend()
	go s.serveTimers()
	s.flush()
}

func (s *Session) serveSend() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
			if err := s.writeOutbound(); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) serveRecv() {
	defer s.wg.Done()

	for {
		var f, err = s.readFrame()
		if err != nil {
			s.fail(err)
			return
		}

		s.mu.Lock()
		var notify []func()
		if s.state == Closed {
			s.mu.Unlock()
			return
		} else if f.Kind == pb.FrameKind_CLOSE {
			s.mu.Unlock()
			var err = pb.ErrSessionClosed
			if f.Reason != "" {
				err = errors.WithMessage(err, f.Reason)
			}
			s.closeWith(err, false)
			return
		} else if s.role == WriterRole {
			notify, err = s.onWriterFrame(&f, time.Now())
		} else {
			err = s.onReaderFrame(&f, time.Now())
		}
		s.mu.Unlock()

		for _, fn := range notify {
			fn()
		}
		if err != nil {
			s.fail(err)
			return
		}
		s.flush()
	}
}

func (s *Session) serveTimers() {
	defer s.wg.Done()

	var ticker = time.NewTicker(s.policy.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			var notify []func()

			s.mu.Lock()
			if s.state == Closed {
				s.mu.Unlock()
				return
			} else if s.role == WriterRole {
				notify = s.onWriterTick(now)
			} else {
				s.onReaderTick(now)
			}
			s.mu.Unlock()

			for _, fn := range notify {
				fn()
			}
			s.flush()
		}
	}
}

// readFrame reads and validates the next Frame of the connection.
func (s *Session) readFrame() (pb.Frame, error) {
	var f pb.Frame

	var raw, err = pb.UnpackFrame(s.br)
	if err != nil {
		return f, err
	} else if err = pb.UnmarshalFrame(raw, &f); err != nil {
		return f, err
	} else if err = f.Validate(); err != nil {
		return f, errors.WithMessagef(err, "invalid %s frame", f.Kind)
	}

	s.mu.Lock()
	s.stats.FramesReceived++
	s.stats.BytesReceived += uint64(len(raw))
	s.mu.Unlock()

	metrics.FramesReceivedTotal.WithLabelValues(f.Kind.String()).Inc()
	metrics.BytesReceivedTotal.Add(float64(len(raw)))
	return f, nil
}

// enqueueLocked encodes the Frame into the outbound buffer. s.mu must be held.
func (s *Session) enqueueLocked(f *pb.Frame) {
	var n = len(s.outbound)
	s.outbound = pb.AppendFrame(s.outbound, f)

	s.stats.FramesSent++
	s.stats.BytesSent += uint64(len(s.outbound) - n)
	metrics.FramesSentTotal.WithLabelValues(f.Kind.String()).Inc()
}

// flush signals the send loop to write outbound frames.
func (s *Session) flush() {
	select {
	case s.kick <- struct{}{}:
	default: // Already signaled.
	}
}

// writeOutbound writes outbound frames to the connection. Frames enqueued
// by concurrent callers are coalesced into a single write.
func (s *Session) writeOutbound() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var b = s.takeOutbound()
	if len(b) == 0 {
		return nil
	}
	if _, err := s.conn.Write(b); err != nil {
		return errors.Wrap(err, "writing frames")
	}
	metrics.BytesSentTotal.Add(float64(len(b)))
	return nil
}

func (s *Session) takeOutbound() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b = s.outbound
	s.outbound = nil
	return b
}

// transitionLocked moves the Session to State |to|. s.mu must be held.
func (s *Session) transitionLocked(to State) {
	var from = s.state
	if from == to || from == Closed {
		return
	}
	s.state = to

	metrics.Sessions.WithLabelValues(from.String()).Dec()
	if to != Closed {
		metrics.Sessions.WithLabelValues(to.String()).Inc()
	}
	s.events.Printf("%s -> %s", from, to)

	var entry = s.logEntry.WithFields(log.Fields{"from": from, "to": to})
	if to == Degraded {
		entry.WithField("err", s.err).Warn("session degraded")
	} else {
		entry.Info("session state transition")
	}
}

// fail closes the Session due to a transport or protocol error.
func (s *Session) fail(err error) { s.closeWith(err, false) }

func (s *Session) closeWith(err error, sendClose bool) {
	s.closeOnce.Do(func() {
		if sendClose {
			// Bound the time spent delivering CLOSE to an unresponsive peer.
			// This also unblocks a concurrent write which holds |sendMu|.
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.policy.HandshakeTimeout))

			s.mu.Lock()
			if s.state != Closed {
				s.enqueueLocked(&pb.Frame{Kind: pb.FrameKind_CLOSE, Status: pb.Status_SHUTDOWN})
			}
			s.mu.Unlock()
			_ = s.writeOutbound()
		}

		s.mu.Lock()
		if err != nil {
			s.err = err
		}
		s.transitionLocked(Closed)
		// |pending| is retained for Unacked.
		var seqs = s.pendingSeqsLocked(func(*pending) bool { return true })
		var notify []func(error)
		for _, seq := range seqs {
			if fn := s.pending[seq].done; fn != nil {
				notify = append(notify, fn)
			}
		}
		s.window, s.outbound = nil, nil
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()

		for _, fn := range notify {
			fn(pb.ErrSessionClosed)
		}
		if err != nil {
			s.events.Errorf("closed: %v", err)
			s.logEntry.WithField("err", err).Warn("session closed")
		} else {
			s.events.Printf("closed")
		}
		s.events.Finish()

		if s.onClosed != nil {
			s.onClosed(s, err)
		}
	})
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
