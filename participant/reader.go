package participant

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/dds/instance"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
	"go.gazette.dev/dds/sample"
	"go.gazette.dev/dds/session"
)

// Reader receives samples of a Topic from its matched writers. Each Reader
// has its own sample Queue and instance table, which is updated as samples
// arrive: instance handles of a Reader are unrelated to those of writers.
//
// Reads and takes never block. Samples are returned in a loaned buffer,
// which may be handed back with ReturnLoan once the caller is done with it.
type Reader struct {
	p      *Participant
	spec   pb.EndpointSpec
	topic  *topic
	policy qos.Policy

	queue *sample.Queue
	table *instance.Store
	loans sample.LoanPool
	// Last SourceSequence delivered from each writer. Writers which re-dial
	// replay unacknowledged frames, some of which may have been delivered.
	resume *lru.Cache

	mu       sync.Mutex
	sessions map[pb.EndpointID]*session.Session // Keyed on writer.
	lost     []session.LossEvent
	stats    ReaderStats
	closed   bool
}

// ReaderStats are counters of a Reader.
type ReaderStats struct {
	// Received counts samples enqueued by the Reader.
	Received uint64
	// Replayed counts frames discarded because they were already delivered.
	Replayed uint64
	// Lost counts sequenced frames which were never received, or which
	// couldn't be decoded.
	Lost uint64
	// Queue are stats of the sample Queue.
	Queue sample.QueueStats
	// Instances is the size of the Reader's instance table.
	Instances int
	// Sessions is the current number of sessions with matched writers.
	Sessions int
}

const (
	// Writers tracked by a Reader's resume cache.
	resumeCacheSize = 1024
	// LossEvents retained by a Reader.
	maxLossEvents = 1024
)

func newReader(p *Participant, tp *topic, spec pb.EndpointSpec, policy qos.Policy) (*Reader, error) {
	var resume, err = lru.New(resumeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Reader{
		p:        p,
		spec:     spec,
		topic:    tp,
		policy:   policy,
		queue:    sample.NewQueue(policy.Queue.Capacity, policy.Queue.Overflow),
		table:    instance.NewStore(),
		resume:   resume,
		sessions: make(map[pb.EndpointID]*session.Session),
	}, nil
}

// ID of the Reader endpoint.
func (r *Reader) ID() pb.EndpointID { return r.spec.ID }

// Spec of the Reader endpoint.
func (r *Reader) Spec() pb.EndpointSpec { return r.spec }

// Topic of the Reader.
func (r *Reader) Topic() *pb.Topic { return &r.topic.Topic }

// Read up to |max| queued samples matching |mask|, marking them READ.
// Samples remain queued. A |max| <= 0 is unlimited. ErrNoData is returned
// if no sample matches.
func (r *Reader) Read(max int, mask sample.Mask) ([]sample.Sample, error) {
	return r.finish(r.queue.Select(r.loans.Borrow(), max, mask, nil, false), false)
}

// Take is Read which also removes returned samples from the queue.
func (r *Reader) Take(max int, mask sample.Mask) ([]sample.Sample, error) {
	return r.finish(r.queue.Select(r.loans.Borrow(), max, mask, nil, true), true)
}

// ReadNextSample reads the oldest NOT_READ sample.
func (r *Reader) ReadNextSample() (sample.Sample, error) { return r.nextSample(false) }

// TakeNextSample takes the oldest NOT_READ sample.
func (r *Reader) TakeNextSample() (sample.Sample, error) { return r.nextSample(true) }

// ReadInstance is Read restricted to samples of instance |handle|, which
// must be known to the Reader.
func (r *Reader) ReadInstance(handle pb.InstanceHandle, max int, mask sample.Mask) ([]sample.Sample, error) {
	return r.selectInstance(handle, max, mask, false)
}

// TakeInstance is Take restricted to samples of instance |handle|, which
// must be known to the Reader.
func (r *Reader) TakeInstance(handle pb.InstanceHandle, max int, mask sample.Mask) ([]sample.Sample, error) {
	return r.selectInstance(handle, max, mask, true)
}

// ReadNextInstance reads samples of the instance having the smallest handle
// greater than |prev| and at least one sample matching |mask|. Iteration
// over all instances begins with a |prev| of HandleNil.
func (r *Reader) ReadNextInstance(prev pb.InstanceHandle, max int, mask sample.Mask) ([]sample.Sample, error) {
	return r.finish(r.queue.SelectNextInstance(r.loans.Borrow(), prev, max, mask, false), false)
}

// TakeNextInstance is ReadNextInstance which also removes returned samples.
func (r *Reader) TakeNextInstance(prev pb.InstanceHandle, max int, mask sample.Mask) ([]sample.Sample, error) {
	return r.finish(r.queue.SelectNextInstance(r.loans.Borrow(), prev, max, mask, true), true)
}

// ReturnLoan returns a buffer of samples obtained from the Reader. Samples of
// the buffer must not be used after its return.
func (r *Reader) ReturnLoan(loan []sample.Sample) { r.loans.Return(loan) }

// LookupInstance returns the Reader's handle of the instance of |v|, or
// ErrNotFound.
func (r *Reader) LookupInstance(v interface{}) (pb.InstanceHandle, error) {
	var key, err = r.p.types.ExtractKey(r.topic.TypeName, v)
	if err != nil {
		return pb.HandleNil, err
	}
	return r.table.Lookup(key)
}

// KeyValue returns the InstanceKey of the Reader's |handle|, or
// ErrInvalidHandle.
func (r *Reader) KeyValue(handle pb.InstanceHandle) (pb.InstanceKey, error) {
	return r.table.KeyOf(handle)
}

// MatchedWriters returns the specs of writers matched with the Reader.
func (r *Reader) MatchedWriters() []pb.EndpointSpec { return r.p.matcher.Matched(r.spec.ID) }

// Lost returns the most recent LossEvents of the Reader's sessions.
func (r *Reader) Lost() []session.LossEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]session.LossEvent(nil), r.lost...)
}

// Stats returns the current ReaderStats.
func (r *Reader) Stats() ReaderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = r.stats
	out.Queue = r.queue.Stats()
	out.Instances = r.table.Len()
	out.Sessions = len(r.sessions)
	return out
}

// Close the Reader, withdrawing it and closing its sessions. Queued samples
// are discarded.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.p.withdraw(r.spec)

	for _, s := range r.sessionList() {
		_ = s.Close()
	}
	for _, smp := range r.queue.Drain() {
		r.release(smp.Info.Handle)
	}
	return nil
}

// readerSink adapts a Reader to session.Sink.
type readerSink struct{ r *Reader }

func (k readerSink) Deliver(s *session.Session, f *pb.Frame) error { return k.r.deliver(s, f) }
func (k readerSink) Lost(s *session.Session, ev session.LossEvent) { k.r.recordLoss(ev) }

// deliver a sequenced frame of Session |s|.
func (r *Reader) deliver(s *session.Session, f *pb.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	var writer = s.Writer()

	if last, ok := r.resume.Get(writer); ok && f.SourceSequence <= last.(pb.SequenceNumber) {
		r.stats.Replayed++
		return nil
	}
	if r.policy.Queue.Overflow == sample.RejectNewest && r.queue.Stats().Len >= r.policy.Queue.Capacity {
		metrics.QueueRejectsTotal.Inc()
		return errors.WithMessagef(pb.ErrQueueFull, "reader %s", r.spec.ID)
	}

	var now = time.Now()
	var smp = sample.Sample{
		Info: sample.Info{
			Writer:             writer,
			Sequence:           f.SourceSequence,
			SourceTimestamp:    f.Timestamp,
			ReceptionTimestamp: now,
			Disposition:        f.Kind.Disposition(),
		},
		Payload: f.Payload,
	}
	var inst instance.Instance
	var err error

	switch f.Kind {
	case pb.FrameKind_DATA:
		if smp.Value, err = r.p.types.Deserialize(r.topic.TypeName, f.Payload); err != nil {
			log.WithFields(log.Fields{
				"reader": r.spec.ID,
				"writer": writer,
				"seq":    f.Sequence,
				"err":    err,
			}).Warn("failed to decode sample")

			metrics.LostSequencesTotal.WithLabelValues(metrics.LossDecode).Inc()
			r.resume.Add(writer, f.SourceSequence)
			r.lostLocked(session.LossEvent{
				Writer: writer,
				Topic:  s.Topic(),
				First:  f.Sequence,
				Last:   f.Sequence,
				Reason: metrics.LossDecode,
				At:     now,
			})
			return nil
		}
		smp.Info.ValidData = true
		inst, err = r.table.WriteKey(f.Key, writer, f.Payload, f.Timestamp)

	case pb.FrameKind_DISPOSE:
		inst, err = r.table.DisposeKey(f.Key, f.Payload, f.Timestamp)

	case pb.FrameKind_UNREGISTER:
		if _, err = r.table.Lookup(f.Key); err != nil {
			// The instance was already torn down.
			r.resume.Add(writer, f.SourceSequence)
			return nil
		} else if inst, err = r.table.UnregisterKey(f.Key, writer, f.Timestamp); err != nil {
			break
		} else if inst.State != pb.InstanceState_NOT_ALIVE_NO_WRITERS {
			// Other writers remain, or the instance is already disposed.
			r.release(inst.Handle)
			r.resume.Add(writer, f.SourceSequence)
			return nil
		}

	default:
		return errors.Errorf("unexpected %s frame", f.Kind)
	}
	if err != nil {
		return err
	}
	r.resume.Add(writer, f.SourceSequence)
	return r.enqueueLocked(smp, inst)
}

// recordLoss records a LossEvent reported by a session.
func (r *Reader) recordLoss(ev session.LossEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lostLocked(ev)

	log.WithFields(log.Fields{
		"reader": r.spec.ID,
		"writer": ev.Writer,
		"first":  ev.First,
		"last":   ev.Last,
		"reason": ev.Reason,
	}).Warn("samples lost")
}

func (r *Reader) lostLocked(ev session.LossEvent) {
	if len(r.lost) == maxLossEvents {
		r.lost = append(r.lost[:0], r.lost[1:]...)
	}
	r.lost = append(r.lost, ev)
	r.stats.Lost += ev.Count()
}

// enqueueLocked pushes a sample of the retained snapshot |inst|, which the
// queued sample then holds. r.mu must be held.
func (r *Reader) enqueueLocked(smp sample.Sample, inst instance.Instance) error {
	smp.Info.Handle = inst.Handle
	smp.Info.Key = inst.Key
	smp.Info.ViewState = inst.View
	smp.Info.InstanceState = inst.State

	var evicted, err = r.queue.Push(smp)
	if err != nil {
		r.release(inst.Handle)
		return err
	} else if evicted != nil {
		r.release(evicted.Info.Handle)
		metrics.QueueDropsTotal.Inc()
	}

	if depth := r.policy.History.Depth; depth > 0 {
		for _, trimmed := range r.queue.TrimInstance(inst.Handle, depth) {
			r.release(trimmed.Info.Handle)
			metrics.QueueDropsTotal.Inc()
		}
	}
	r.stats.Received++
	metrics.SamplesReceivedTotal.Inc()
	return nil
}

// onSessionClosed is the OnClosed callback of the Reader's sessions. A
// session which closed for any reason but a local Close takes its writer's
// registrations with it: instances left without writers are NO_WRITERS.
func (r *Reader) onSessionClosed(s *session.Session, err error) {
	r.detach(s)
	if err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	var now = time.Now()
	for _, inst := range r.table.UnregisterAll(s.Writer(), now) {
		if inst.State != pb.InstanceState_NOT_ALIVE_NO_WRITERS {
			r.release(inst.Handle)
			continue
		}
		var smp = sample.Sample{Info: sample.Info{
			Writer:             s.Writer(),
			SourceTimestamp:    now,
			ReceptionTimestamp: now,
			Disposition:        pb.Disposition_NO_WRITERS,
		}}
		if err := r.enqueueLocked(smp, inst); err != nil {
			log.WithFields(log.Fields{"reader": r.spec.ID, "handle": inst.Handle, "err": err}).
				Warn("failed to enqueue unregistration of closed session")
		}
	}
}

func (r *Reader) nextSample(take bool) (sample.Sample, error) {
	var mask = sample.Mask{SampleStates: pb.SampleState_NOT_READ}
	var out, err = r.finish(r.queue.Select(r.loans.Borrow(), 1, mask, nil, take), take)
	if err != nil {
		return sample.Sample{}, err
	}
	var smp = out[0]
	r.loans.Return(out)
	return smp, nil
}

func (r *Reader) selectInstance(handle pb.InstanceHandle, max int, mask sample.Mask, take bool) ([]sample.Sample, error) {
	if _, err := r.table.Snapshot(handle); err != nil {
		return nil, err
	}
	var filter = func(info *sample.Info) bool { return info.Handle == handle }
	return r.finish(r.queue.Select(r.loans.Borrow(), max, mask, filter, take), take)
}

// finish a selection of samples. Taken samples release their instances.
func (r *Reader) finish(out []sample.Sample, take bool) ([]sample.Sample, error) {
	if len(out) == 0 {
		r.loans.Return(out)
		return nil, pb.ErrNoData
	}
	if take {
		for i := range out {
			r.release(out[i].Info.Handle)
		}
	}
	return out, nil
}

func (r *Reader) release(handle pb.InstanceHandle) {
	if err := r.table.Release(handle); err != nil {
		log.WithFields(log.Fields{"handle": handle, "err": err}).
			Error("failed to release instance")
	}
}

func (r *Reader) attach(s *session.Session) {
	r.mu.Lock()
	var closed = r.closed
	if !closed {
		r.sessions[s.Writer()] = s
	}
	r.mu.Unlock()

	if closed {
		_ = s.Close()
	} else if s.State() == session.Closed {
		r.detach(s)
	}
}

func (r *Reader) detach(s *session.Session) {
	r.mu.Lock()
	if r.sessions[s.Writer()] == s {
		delete(r.sessions, s.Writer())
	}
	r.mu.Unlock()
}

func (r *Reader) sessionList() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Writer().String() < out[j].Writer().String() })
	return out
}
