package participant

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/dds/instance"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
	"go.gazette.dev/dds/session"
)

// Writer publishes samples of a Topic to its matched readers. Instances are
// shared by all Writers of the Topic within the Participant, and each Writer
// holds its own registrations of them.
type Writer struct {
	p      *Participant
	spec   pb.EndpointSpec
	topic  *topic
	policy qos.Policy

	mu       sync.Mutex
	sessions map[pb.EndpointID]*session.Session // Keyed on reader.
	stats    WriterStats
	closed   bool
}

// WriterStats are counters of a Writer.
type WriterStats struct {
	Writes      uint64
	Disposes    uint64
	Unregisters uint64
	// Failures counts publications which no matched reader accepted.
	Failures uint64
	// Sessions is the current number of sessions with matched readers.
	Sessions int
}

// ID of the Writer endpoint.
func (w *Writer) ID() pb.EndpointID { return w.spec.ID }

// Spec of the Writer endpoint.
func (w *Writer) Spec() pb.EndpointSpec { return w.spec }

// Topic of the Writer.
func (w *Writer) Topic() *pb.Topic { return &w.topic.Topic }

// Write |v| with a source timestamp of the current time.
func (w *Writer) Write(v interface{}) error { return w.WriteWithTimestamp(v, time.Now()) }

// WriteWithTimestamp writes |v| to its instance, which is created and
// registered with the Writer if required, and publishes it to each matched
// reader. It fails with ErrNotMatched if no session with a matched reader
// exists. Otherwise it succeeds if at least one session accepted the
// sample.
func (w *Writer) WriteWithTimestamp(v interface{}, ts time.Time) error {
	var key, err = w.p.types.ExtractKey(w.topic.TypeName, v)
	if err != nil {
		return err
	}
	payload, err := w.p.types.Serialize(w.topic.TypeName, v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("writer is closed")
	}
	inst, err := w.topic.store.WriteKey(key, w.spec.ID, payload, ts)
	if err != nil {
		return err
	}
	w.stats.Writes++
	return w.publishLocked(pb.FrameKind_DATA, inst, ts, nil)
}

// RegisterInstance registers the Writer with the instance of |v|, creating
// it if required, and returns its handle. While the instance is alive,
// repeated registrations return the same handle. Each must be balanced by an
// UnregisterInstance.
func (w *Writer) RegisterInstance(v interface{}) (pb.InstanceHandle, error) {
	var key, err = w.p.types.ExtractKey(w.topic.TypeName, v)
	if err != nil {
		return pb.HandleNil, err
	}
	inst, err := w.topic.store.RegisterInstance(key, w.spec.ID)
	if err != nil {
		return pb.HandleNil, err
	}
	return inst.Handle, nil
}

// Dispose the instance of |target|, which is a value of the Topic's type or
// a pb.InstanceHandle.
func (w *Writer) Dispose(target interface{}) error {
	return w.DisposeWithTimestamp(target, time.Now())
}

// DisposeWithTimestamp disposes the instance of |target| and notifies
// matched readers. The notification carries the instance's last payload.
func (w *Writer) DisposeWithTimestamp(target interface{}, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var handle, err = w.resolve(target)
	if err != nil {
		return err
	}
	if cur, err := w.topic.store.Snapshot(handle); err != nil {
		return err
	} else if !cur.State.IsAlive() {
		return errors.WithMessagef(pb.ErrPreconditionNotMet, "instance %d is %s", handle, cur.State)
	}
	inst, err := w.topic.store.Dispose(handle, ts)
	if err != nil {
		return err
	}
	w.stats.Disposes++
	return w.publishLocked(pb.FrameKind_DISPOSE, inst, ts, nil)
}

// UnregisterInstance releases a registration of the Writer with the
// instance of |target|, which is a value of the Topic's type or a
// pb.InstanceHandle.
func (w *Writer) UnregisterInstance(target interface{}) error {
	return w.UnregisterInstanceWithTimestamp(target, time.Now())
}

// UnregisterInstanceWithTimestamp releases a registration of |target|.
// Matched readers are notified once the Writer's last registration of the
// instance is released.
func (w *Writer) UnregisterInstanceWithTimestamp(target interface{}, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var handle, err = w.resolve(target)
	if err != nil {
		return err
	}
	inst, err := w.topic.store.Unregister(handle, w.spec.ID, ts)
	if err != nil {
		return err
	}
	if w.topic.store.Registrations(handle, w.spec.ID) != 0 {
		w.release(handle)
		return nil
	}
	w.stats.Unregisters++
	return w.publishLocked(pb.FrameKind_UNREGISTER, inst, ts, nil)
}

// LookupInstance returns the handle of the instance of |v|, or ErrNotFound.
func (w *Writer) LookupInstance(v interface{}) (pb.InstanceHandle, error) {
	var key, err = w.p.types.ExtractKey(w.topic.TypeName, v)
	if err != nil {
		return pb.HandleNil, err
	}
	return w.topic.store.Lookup(key)
}

// KeyValue returns the InstanceKey of |handle|, or ErrInvalidHandle.
func (w *Writer) KeyValue(handle pb.InstanceHandle) (pb.InstanceKey, error) {
	return w.topic.store.KeyOf(handle)
}

// MatchedReaders returns the specs of readers matched with the Writer.
func (w *Writer) MatchedReaders() []pb.EndpointSpec { return w.p.matcher.Matched(w.spec.ID) }

// Stats returns the current WriterStats.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out = w.stats
	out.Sessions = len(w.sessions)
	return out
}

// Close the Writer. Its instance registrations are released and readers
// notified, and the Writer awaits their acknowledgement for up to the
// HandshakeTimeout of its Policy before withdrawing and closing its
// sessions.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true

	var acked sync.WaitGroup
	var now = time.Now()
	for _, inst := range w.topic.store.UnregisterAll(w.spec.ID, now) {
		w.stats.Unregisters++
		_ = w.publishLocked(pb.FrameKind_UNREGISTER, inst, now, &acked)
	}
	w.mu.Unlock()

	var ch = make(chan struct{})
	go func() {
		acked.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(w.policy.HandshakeTimeout):
		log.WithField("writer", w.spec.ID).Warn("timed out awaiting acknowledgement of unregistrations")
	}

	w.p.withdraw(w.spec)

	// Sessions of links which are mid-handshake may not yet be closed.
	for _, s := range w.sessionList() {
		_ = s.Close()
	}
	return nil
}

// publishLocked sends a sequenced frame of the retained snapshot |inst| to
// each session, and releases the snapshot. Each session holds its own
// reference of the instance until the frame is acknowledged or fails.
// w.mu must be held, which orders the SourceSequence of frames of the
// Writer with their sends.
func (w *Writer) publishLocked(kind pb.FrameKind, inst instance.Instance, ts time.Time, acked *sync.WaitGroup) error {
	defer w.release(inst.Handle)

	var f = pb.Frame{
		Kind:           kind,
		Key:            inst.Key,
		Payload:        inst.Latest,
		Timestamp:      ts,
		SourceSequence: w.topic.nextSequence(),
	}
	var accepted int
	var firstErr error

	for _, s := range w.sessions {
		if err := w.topic.store.Retain(inst.Handle); err != nil {
			log.WithFields(log.Fields{"handle": inst.Handle, "err": err}).
				Error("failed to retain instance")
			continue
		}
		if acked != nil {
			acked.Add(1)
		}
		var done = func(error) {
			w.release(inst.Handle)
			if acked != nil {
				acked.Done()
			}
		}

		if err := s.Send(f, done); err != nil {
			done(err)
			log.WithFields(log.Fields{
				"writer": w.spec.ID,
				"reader": s.Reader(),
				"kind":   kind,
				"err":    err,
			}).Debug("session did not accept frame")

			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}

	var err error
	if len(w.sessions) == 0 {
		err = errors.WithMessagef(pb.ErrNotMatched, "writer %s", w.spec.ID)
	} else if accepted == 0 {
		err = errors.WithMessagef(firstErr, "no session of writer %s accepted %s", w.spec.ID, kind)
	}

	if err != nil {
		w.stats.Failures++
		metrics.WritesTotal.WithLabelValues(kind.String(), metrics.Fail).Inc()
	} else {
		metrics.WritesTotal.WithLabelValues(kind.String(), metrics.Ok).Inc()
	}
	return err
}

// resolve the instance handle of |target|. w.mu must be held.
func (w *Writer) resolve(target interface{}) (pb.InstanceHandle, error) {
	if handle, ok := target.(pb.InstanceHandle); ok {
		if _, err := w.topic.store.KeyOf(handle); err != nil {
			return pb.HandleNil, err
		}
		return handle, nil
	}
	var key, err = w.p.types.ExtractKey(w.topic.TypeName, target)
	if err != nil {
		return pb.HandleNil, err
	}
	return w.topic.store.Lookup(key)
}

func (w *Writer) release(handle pb.InstanceHandle) {
	if err := w.topic.store.Release(handle); err != nil {
		log.WithFields(log.Fields{"handle": handle, "err": err}).
			Error("failed to release instance")
	}
}

func (w *Writer) options(reader pb.EndpointSpec, onClosed func(*session.Session, error)) session.WriterOptions {
	return session.WriterOptions{
		Writer:   w.spec,
		Reader:   reader,
		Policy:   w.policy,
		Auth:     w.p.cfg.Auth,
		OnClosed: onClosed,
	}
}

// dialLocal establishes a session with a reader of the Participant.
func (w *Writer) dialLocal(conn net.Conn, reader pb.EndpointSpec) (*session.Session, error) {
	var s, err = session.Dial(conn, w.options(reader, func(s *session.Session, err error) {
		w.detach(s)
		if err != nil {
			w.p.matcher.Unmatch(w.spec.ID, reader.ID)
		}
	}))
	if err != nil {
		return nil, err
	}
	w.attach(s)
	return s, nil
}

// attach an established session, to which subsequent samples are published.
func (w *Writer) attach(s *session.Session) {
	w.mu.Lock()
	var closed = w.closed
	if !closed {
		w.sessions[s.Reader()] = s
	}
	w.mu.Unlock()

	if closed {
		_ = s.Close()
	} else if s.State() == session.Closed {
		w.detach(s) // Closed before it was attached.
	}
}

func (w *Writer) detach(s *session.Session) {
	w.mu.Lock()
	if w.sessions[s.Reader()] == s {
		delete(w.sessions, s.Reader())
	}
	w.mu.Unlock()
}

func (w *Writer) sessionList() []*session.Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out = make([]*session.Session, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reader().String() < out[j].Reader().String() })
	return out
}
