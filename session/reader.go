package session

import (
	"bufio"
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/dds/codecs"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
)

// Sink receives the frames and losses of a reader Session. Its methods are
// called with the Session's lock held, and must not call back into the
// Session.
type Sink interface {
	// Deliver the next in-order sequenced Frame, having a decompressed
	// Payload. Deliver may return ErrQueueFull if the Frame can't be
	// accepted at this time, in which case it isn't acknowledged and its
	// delivery is retried later. Other errors are logged, and the Frame is
	// consumed.
	Deliver(*Session, *pb.Frame) error
	// Lost notifies of sequence numbers which will never be delivered.
	Lost(*Session, LossEvent)
}

// ReaderOptions configure a reader Session.
type ReaderOptions struct {
	Reader pb.EndpointSpec
	Policy qos.Policy
	// Auth, if non-nil, verifies the token presented with each HANDSHAKE.
	Auth     *KeyedAuth
	Sink     Sink
	OnClosed func(*Session, error)
}

// Accept establishes a reader Session over |conn| by reading a HANDSHAKE,
// and responding with ACCEPT or REJECT. |resolve| maps the HANDSHAKE to the
// ReaderOptions of its addressed reader, or returns an error which is
// REJECTed (eg, ErrNotFound). Accept further REJECTs HANDSHAKEs of a
// mismatched Topic or TypeVersion with ErrIncompatibleType, and those
// failing token verification with ErrUnauthenticated. On error, |conn| is
// closed.
func Accept(conn net.Conn, timeout time.Duration, resolve func(hs *pb.Frame) (ReaderOptions, error)) (*Session, error) {
	var br = bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var s, err = accept(conn, br, resolve)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(ReaderRole.String(), metrics.Fail).Inc()
		if s != nil {
			s.fail(err)
		} else {
			_ = conn.Close()
		}
		return nil, err
	}
	metrics.HandshakesTotal.WithLabelValues(ReaderRole.String(), metrics.Ok).Inc()
	s.start()
	return s, nil
}

func accept(conn net.Conn, br *bufio.Reader, resolve func(*pb.Frame) (ReaderOptions, error)) (*Session, error) {
	var hs pb.Frame

	if raw, err := pb.UnpackFrame(br); err != nil {
		return nil, handshakeErr(err, "reading HANDSHAKE")
	} else if err = pb.UnmarshalFrame(raw, &hs); err != nil {
		return nil, err
	} else if hs.Kind != pb.FrameKind_HANDSHAKE {
		return nil, errors.Errorf("expected HANDSHAKE (got %s)", hs.Kind)
	} else if err = hs.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid HANDSHAKE")
	}

	var opts, err = resolve(&hs)
	if err == nil {
		err = verifyHandshake(&hs, opts)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"writer": hs.Writer,
			"reader": hs.Reader,
			"topic":  hs.Topic.String(),
			"remote": remoteAddr(conn),
			"err":    err,
		}).Warn("rejecting session handshake")

		var b = pb.AppendFrame(nil, &pb.Frame{
			Kind:   pb.FrameKind_REJECT,
			Status: pb.StatusOf(err),
			Reason: err.Error(),
		})
		_, _ = conn.Write(b)
		return nil, err
	}

	var s = newSession(ReaderRole, conn, opts.Policy, hs.Writer, hs.Reader, hs.Topic)
	s.br = br
	s.sink = opts.Sink
	s.compression = hs.Compression
	s.delivered = hs.First - 1

	s.mu.Lock()
	s.enqueueLocked(&pb.Frame{
		Kind:        pb.FrameKind_ACCEPT,
		Writer:      hs.Writer,
		Reader:      hs.Reader,
		Compression: hs.Compression,
	})
	s.mu.Unlock()

	if _, err = conn.Write(s.takeOutbound()); err != nil {
		return s, handshakeErr(err, "writing ACCEPT")
	} else if err = conn.SetDeadline(time.Time{}); err != nil {
		return s, err
	}

	s.mu.Lock()
	s.onClosed = opts.OnClosed
	s.transitionLocked(Established)
	s.mu.Unlock()

	return s, nil
}

func verifyHandshake(hs *pb.Frame, opts ReaderOptions) error {
	if opts.Sink == nil {
		return errors.New("ReaderOptions.Sink is nil")
	} else if err := opts.Policy.Validate(); err != nil {
		return pb.ExtendContext(err, "Policy")
	} else if hs.Reader != opts.Reader.ID {
		return errors.WithMessagef(pb.ErrNotFound, "reader %s", hs.Reader)
	} else if hs.Topic != opts.Reader.Topic {
		return errors.WithMessagef(pb.ErrIncompatibleType,
			"topic %s doesn't match reader topic %s", hs.Topic, opts.Reader.Topic)
	} else if hs.TypeVersion != opts.Reader.TypeVersion {
		return errors.WithMessagef(pb.ErrIncompatibleType,
			"type version %d doesn't match reader version %d", hs.TypeVersion, opts.Reader.TypeVersion)
	} else if opts.Auth != nil {
		return opts.Auth.Verify(hs.Token, hs.Writer, hs.Reader, hs.Topic)
	}
	return nil
}

// onReaderFrame handles a Frame received by a reader Session. s.mu is held.
func (s *Session) onReaderFrame(f *pb.Frame, now time.Time) error {
	switch f.Kind {
	case pb.FrameKind_DATA, pb.FrameKind_DISPOSE, pb.FrameKind_UNREGISTER:
		if _, ok := s.window[f.Sequence]; ok || f.Sequence <= s.delivered {
			s.stats.Duplicates++
			metrics.DuplicatesTotal.Inc()
			s.ackDue = true
			break
		} else if f.Sequence > s.delivered+pb.SequenceNumber(s.policy.ReceiveWindow) {
			break // Outside of the receive window. The writer will retransmit.
		}

		var err error
		if f.Payload, err = codecs.Decompress(s.compression, f.Payload); err != nil {
			return errors.WithMessagef(err, "decompressing sequence %d", f.Sequence)
		}
		var cp = *f
		s.window[f.Sequence] = &cp
		s.drainLocked(now)

	case pb.FrameKind_HEARTBEAT:
		if f.First > s.delivered+1 {
			s.skipLocked(f.First-1, metrics.LossWriterDropped, now)
			s.drainLocked(now)
		}
		if f.Sequence > s.delivered && s.policy.Reliability == qos.BestEffort {
			// Frames through f.Sequence precede the HEARTBEAT on the stream,
			// and those not yet received will never be.
			s.skipLocked(f.Sequence, metrics.LossBestEffort, now)
			s.drainLocked(now)
		}
		s.ackDue = true

	default:
		return errors.Errorf("unexpected %s frame from writer", f.Kind)
	}

	if s.ackDue && s.br.Buffered() == 0 {
		s.sendAckLocked()
	}
	return nil
}

// onReaderTick retries blocked deliveries, skips expired gaps, and sends
// due ACKs. s.mu is held.
func (s *Session) onReaderTick(now time.Time) {
	s.drainLocked(now)

	if !s.gapSince.IsZero() && now.Sub(s.gapSince) >= s.policy.GapTimeout {
		s.skipLocked(s.minWindowLocked()-1, metrics.LossGapTimeout, now)
		s.drainLocked(now)
	}
	if s.ackDue {
		s.sendAckLocked()
	}
}

func (s *Session) sendAckLocked() {
	var held = s.heldLocked()
	s.enqueueLocked(&pb.Frame{Kind: pb.FrameKind_ACK, Sequence: s.delivered, Held: held})
	s.stats.Acked = s.delivered
	s.ackedHeld = held
	s.ackDue = false
}

// heldLocked is the last of the contiguous frames following |delivered|
// which are buffered while the Sink is full, or zero. s.mu is held.
func (s *Session) heldLocked() pb.SequenceNumber {
	if !s.blocked {
		return 0
	}
	var n = s.delivered
	for {
		if _, ok := s.window[n+1]; !ok {
			break
		}
		n++
	}
	if n == s.delivered {
		return 0
	}
	return n
}

// drainLocked delivers buffered frames in sequence order until a frame is
// missing, or the Sink is full. s.mu is held.
func (s *Session) drainLocked(now time.Time) {
	for {
		if f, ok := s.window[s.delivered+1]; ok {
			if err := s.deliverLocked(f); errors.Cause(err) == pb.ErrQueueFull {
				s.gapSince = time.Time{}
				s.blocked = true

				if s.heldLocked() != s.ackedHeld {
					s.ackDue = true
				}
				return
			}
			delete(s.window, f.Sequence)
			s.delivered = f.Sequence
			s.ackDue = true
			continue
		}
		s.blocked = false

		if len(s.window) == 0 {
			s.gapSince = time.Time{}
			return
		} else if s.policy.Reliability == qos.BestEffort {
			s.skipLocked(s.minWindowLocked()-1, metrics.LossBestEffort, now)
			continue
		}

		if s.gapSince.IsZero() {
			s.gapSince = now
		}
		return
	}
}

// skipLocked advances delivery through sequence |through|, delivering
// buffered frames and reporting unavailable sequence numbers as lost.
// s.mu is held.
func (s *Session) skipLocked(through pb.SequenceNumber, reason string, now time.Time) {
	if through <= s.delivered {
		return
	}
	var seqs []pb.SequenceNumber
	for seq := range s.window {
		if seq <= through {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var next = s.delivered + 1
	for _, seq := range seqs {
		if seq > next {
			s.lostLocked(next, seq-1, reason, now)
		}
		var f = s.window[seq]
		delete(s.window, seq)

		if err := s.deliverLocked(f); err != nil {
			s.lostLocked(seq, seq, reason, now)
		}
		next = seq + 1
	}
	if next <= through {
		s.lostLocked(next, through, reason, now)
	}
	s.delivered = through
	s.gapSince = time.Time{}
	s.ackDue = true
}

func (s *Session) deliverLocked(f *pb.Frame) error {
	var err = s.sink.Deliver(s, f)
	if err == nil || errors.Cause(err) == pb.ErrQueueFull {
		return err
	}
	s.events.Errorf("delivering sequence %d: %v", f.Sequence, err)
	s.logEntry.WithFields(log.Fields{"seq": f.Sequence, "err": err}).
		Warn("failed to deliver frame")
	return nil
}

func (s *Session) lostLocked(first, last pb.SequenceNumber, reason string, now time.Time) {
	var ev = LossEvent{
		Writer: s.writer,
		Topic:  s.topic,
		First:  first,
		Last:   last,
		Reason: reason,
		At:     now,
	}
	s.stats.Lost += ev.Count()
	metrics.LostSequencesTotal.WithLabelValues(reason).Add(float64(ev.Count()))
	s.events.Printf("lost sequences [%d, %d]: %s", first, last, reason)
	s.sink.Lost(s, ev)
}

func (s *Session) minWindowLocked() pb.SequenceNumber {
	var min pb.SequenceNumber
	for seq := range s.window {
		if min == 0 || seq < min {
			min = seq
		}
	}
	return min
}
