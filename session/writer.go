package session

import (
	"net"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.gazette.dev/dds/codecs"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
)

// WriterOptions configure a writer Session.
type WriterOptions struct {
	Writer pb.EndpointSpec
	Reader pb.EndpointSpec
	Policy qos.Policy
	// Auth, if non-nil, signs a token which is presented with the HANDSHAKE.
	Auth *KeyedAuth
	// OnClosed is called when an established Session closes. The error is nil
	// if closed locally, ErrSessionClosed if closed by the peer, or the
	// transport or protocol error which caused the closure.
	OnClosed func(*Session, error)
}

// pending is an unacknowledged sequenced Frame of a writer Session.
type pending struct {
	frame     pb.Frame
	raw       []byte // Uncompressed frame payload.
	firstSent time.Time
	nextRetry time.Time
	attempts  int
	backoff   *backoff.ExponentialBackOff
	done      func(error)
}

// Dial establishes a writer Session over |conn| by sending a HANDSHAKE and
// awaiting the reader's response. If the reader rejects the HANDSHAKE, the
// returned error has the Cause implied by the REJECT Status. If the reader
// doesn't respond within the Policy HandshakeTimeout, the error is
// ErrTransportTimeout. In either case |conn| is closed.
func Dial(conn net.Conn, opts WriterOptions) (*Session, error) {
	if err := opts.Policy.Validate(); err != nil {
		_ = conn.Close()
		return nil, pb.ExtendContext(err, "Policy")
	} else if opts.Writer.Kind != pb.EndpointKind_WRITER || opts.Reader.Kind != pb.EndpointKind_READER {
		_ = conn.Close()
		return nil, pb.NewValidationError("expected writer & reader endpoints (got %s & %s)",
			opts.Writer.Kind, opts.Reader.Kind)
	}
	var s = newSession(WriterRole, conn, opts.Policy, opts.Writer.ID, opts.Reader.ID, opts.Writer.Topic)
	s.compression = opts.Policy.Compression

	var err = s.handshake(opts)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(WriterRole.String(), metrics.Fail).Inc()
		s.fail(err)
		return nil, err
	}
	metrics.HandshakesTotal.WithLabelValues(WriterRole.String(), metrics.Ok).Inc()

	s.mu.Lock()
	s.onClosed = opts.OnClosed
	s.lastHeartbeat = time.Now()
	s.transitionLocked(Established)
	s.mu.Unlock()

	s.start()
	return s, nil
}

func (s *Session) handshake(opts WriterOptions) error {
	var hs = pb.Frame{
		Kind:        pb.FrameKind_HANDSHAKE,
		Writer:      s.writer,
		Reader:      s.reader,
		Topic:       s.topic,
		TypeVersion: opts.Writer.TypeVersion,
		First:       1,
		Compression: s.compression,
	}
	if opts.Auth != nil {
		var err error
		if hs.Token, err = opts.Auth.Token(s.writer, s.reader, s.topic); err != nil {
			return errors.WithMessage(err, "signing handshake token")
		}
	}
	_ = s.conn.SetDeadline(time.Now().Add(s.policy.HandshakeTimeout))

	s.mu.Lock()
	s.enqueueLocked(&hs)
	s.mu.Unlock()

	if _, err := s.conn.Write(s.takeOutbound()); err != nil {
		return handshakeErr(err, "writing HANDSHAKE")
	}
	var resp, err = s.readFrame()
	if err != nil {
		return handshakeErr(err, "reading HANDSHAKE response")
	}

	switch resp.Kind {
	case pb.FrameKind_ACCEPT:
		if resp.Writer != s.writer || resp.Reader != s.reader {
			return errors.Errorf("ACCEPT endpoints mismatch (%s->%s; expected %s->%s)",
				resp.Writer, resp.Reader, s.writer, s.reader)
		}
	case pb.FrameKind_REJECT:
		return errors.WithMessage(resp.Status.Err(), resp.Reason)
	default:
		return errors.Errorf("unexpected %s response to HANDSHAKE", resp.Kind)
	}
	return s.conn.SetDeadline(time.Time{})
}

// Send a sequenced Frame (DATA, DISPOSE, or UNREGISTER) over the writer
// Session. Send assigns the Frame's Sequence, and compresses its Payload
// with the Session's CompressionCodec.
//
// Send returns ErrQueueFull if the Session's SendWindow is full or the
// reader's queue is full, or ErrSessionClosed if it's CLOSED. Otherwise |done|, if non-nil, is called
// exactly once when the frame is resolved:
//   - With nil upon its acknowledgement by the reader. Best-effort Sessions
//     instead call |done| once the frame is queued for transmission.
//   - With ErrTransportTimeout if it exceeded its retry bound and was dropped.
//   - With ErrSessionClosed if the Session closed first.
func (s *Session) Send(f pb.Frame, done func(error)) error {
	if s.role != WriterRole {
		return errors.New("Send called on reader Session")
	} else if !f.Kind.IsSequenced() {
		return errors.Errorf("Send called with unsequenced %s frame", f.Kind)
	}
	var raw = f.Payload
	var err error

	if f.Payload, err = codecs.Compress(s.compression, raw); err != nil {
		return errors.WithMessage(err, "compressing payload")
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	var reliable = s.policy.Reliability == qos.Reliable

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return pb.ErrSessionClosed
	} else if reliable && len(s.pending) >= s.policy.SendWindow {
		s.mu.Unlock()
		return pb.ErrQueueFull
	} else if reliable && s.held > s.stats.Acked {
		var held = s.held
		s.mu.Unlock()
		return errors.WithMessagef(pb.ErrQueueFull, "reader holds sequences through %d", held)
	}
	f.Sequence = s.nextSeq
	s.nextSeq++
	s.enqueueLocked(&f)

	if reliable {
		var now = time.Now()
		var bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = s.policy.RetransmitTimeout
		bo.MaxElapsedTime = 0
		bo.Reset()

		s.pending[f.Sequence] = &pending{
			frame:     f,
			raw:       raw,
			firstSent: now,
			nextRetry: now.Add(bo.NextBackOff()),
			backoff:   bo,
			done:      done,
		}
	}
	s.mu.Unlock()

	s.flush()
	if !reliable && done != nil {
		done(nil)
	}
	return nil
}

// Unacked returns sequenced frames of the writer Session which have not been
// acknowledged, in sequence order and with uncompressed payloads. It's
// typically called on a CLOSED Session to replay its frames into a
// replacement Session.
func (s *Session) Unacked() []pb.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make([]pb.Frame, 0, len(s.pending))
	for _, seq := range s.pendingSeqsLocked(func(*pending) bool { return true }) {
		var p = s.pending[seq]
		var f = p.frame
		f.Payload, f.Sequence = p.raw, 0
		out = append(out, f)
	}
	return out
}

// onWriterFrame handles a Frame received by a writer Session. s.mu is held.
// Returned callbacks are invoked after s.mu is released.
func (s *Session) onWriterFrame(f *pb.Frame, now time.Time) ([]func(), error) {
	if f.Kind != pb.FrameKind_ACK {
		return nil, errors.Errorf("unexpected %s frame from reader", f.Kind)
	}
	var n = f.Sequence
	if n >= s.nextSeq {
		n = s.nextSeq - 1
	}
	if s.held = f.Held; s.held >= s.nextSeq {
		s.held = s.nextSeq - 1
	}
	if n <= s.stats.Acked {
		return nil, nil
	}
	var notify []func()

	for seq := s.stats.Acked + 1; seq <= n; seq++ {
		var p, ok = s.pending[seq]
		if !ok {
			continue
		}
		delete(s.pending, seq)
		metrics.AckLatencySeconds.Observe(now.Sub(p.firstSent).Seconds())

		if p.done != nil {
			notify = append(notify, func() { p.done(nil) })
		}
	}
	s.stats.Acked = n

	if s.state == Degraded && n > s.droppedThrough {
		s.transitionLocked(Established)
	}
	return notify, nil
}

// onWriterTick retransmits due frames, drops the first pending frame if it
// exceeded its retry bound, and sends HEARTBEATs. While the reader holds
// frames, held frames aren't retransmitted and retransmissions of later
// frames don't count against their retry bound. s.mu is held.
func (s *Session) onWriterTick(now time.Time) []func() {
	var notify []func()
	var forceHeartbeat bool
	var busy = s.held > s.stats.Acked

	for _, seq := range s.pendingSeqsLocked(func(p *pending) bool { return !now.Before(p.nextRetry) }) {
		var p = s.pending[seq]

		if now.Before(p.nextRetry) {
			continue // Reset by a preceding drop.
		} else if busy && seq <= s.held {
			p.nextRetry = now.Add(s.policy.RetransmitTimeout)
			continue
		} else if busy {
			p.nextRetry = now.Add(s.policy.RetransmitTimeout)
			s.enqueueLocked(&p.frame)

			s.stats.Retransmits++
			metrics.RetransmitsTotal.Inc()
			continue
		} else if p.attempts < s.policy.MaxRetries {
			p.attempts++
			p.nextRetry = now.Add(p.backoff.NextBackOff())
			s.enqueueLocked(&p.frame)

			s.stats.Retransmits++
			metrics.RetransmitsTotal.Inc()
			continue
		} else if seq != s.firstPendingLocked() {
			// Later frames may have been received, but can't be acknowledged
			// until preceding frames are resolved.
			continue
		}
		notify = append(notify, s.dropThroughLocked(seq, now)...)
		forceHeartbeat = true
	}

	if forceHeartbeat || now.Sub(s.lastHeartbeat) >= s.policy.Heartbeat {
		s.enqueueLocked(&pb.Frame{
			Kind:     pb.FrameKind_HEARTBEAT,
			First:    s.firstPendingLocked(),
			Sequence: s.nextSeq - 1,
		})
		s.lastHeartbeat = now
	}
	return notify
}

// dropThroughLocked drops pending frames having sequence <= |through|, and
// DEGRADES the Session. Remaining pending frames have their retry bounds
// reset. s.mu is held.
func (s *Session) dropThroughLocked(through pb.SequenceNumber, now time.Time) []func() {
	var notify []func()
	var dropped uint64

	for _, seq := range s.pendingSeqsLocked(func(*pending) bool { return true }) {
		var p = s.pending[seq]

		if seq > through {
			p.attempts = 0
			p.backoff.Reset()
			p.nextRetry = now.Add(p.backoff.NextBackOff())
			continue
		}
		delete(s.pending, seq)
		dropped++

		if p.done != nil {
			notify = append(notify, func() { p.done(pb.ErrTransportTimeout) })
		}
	}
	s.droppedThrough = through
	s.stats.Lost += dropped
	metrics.LostSequencesTotal.WithLabelValues(metrics.LossRetryExhausted).Add(float64(dropped))

	s.err = errors.WithMessagef(pb.ErrTransportTimeout,
		"sequence %d exceeded %d retransmissions", through, s.policy.MaxRetries)
	s.events.Printf("dropped %d frames through sequence %d", dropped, through)
	s.transitionLocked(Degraded)

	return notify
}

// firstPendingLocked is the first sequence number which is neither
// acknowledged nor dropped. s.mu is held.
func (s *Session) firstPendingLocked() pb.SequenceNumber {
	if s.droppedThrough > s.stats.Acked {
		return s.droppedThrough + 1
	}
	return s.stats.Acked + 1
}

// pendingSeqsLocked returns sorted sequence numbers of pending frames which
// match |fn|. s.mu is held.
func (s *Session) pendingSeqsLocked(fn func(*pending) bool) []pb.SequenceNumber {
	var out []pb.SequenceNumber
	for seq, p := range s.pending {
		if fn(p) {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func handshakeErr(err error, msg string) error {
	if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
		return errors.WithMessage(pb.ErrTransportTimeout, msg)
	}
	return errors.WithMessage(err, msg)
}
