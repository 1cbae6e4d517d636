// Package instance implements the per-topic table of keyed instances and
// their lifecycle.
//
// An instance is created upon its first registration or write, and is
// NOT_ALIVE once disposed or unregistered by its last writer. A NOT_ALIVE
// instance is torn down, and its handle recycled, only once every reference
// to it has been released. Mutations of the Store return a retained snapshot
// of the instance, which the caller must Release once it's no longer needed:
// a reader retains the snapshot of each queued sample until the sample is
// taken, and a writer retains a terminal snapshot until each matched reader
// has acknowledged it. Teardown therefore never races a pending notification.
package instance

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	pb "go.gazette.dev/dds/protocol"
)

// Instance is a snapshot of an instance of the Store.
type Instance struct {
	Key    pb.InstanceKey
	Handle pb.InstanceHandle
	State  pb.InstanceState
	// View is NEW for the first write of an instance generation, and NOT_NEW
	// for writes thereafter.
	View pb.ViewState
	// Latest serialized payload of the instance. It's retained through
	// disposal, for inclusion in disposition notifications.
	Latest []byte
	// Timestamp of the Latest write or disposition.
	Timestamp time.Time
	// Writers registered with the instance.
	Writers int
}

// Store is a table of instances. It's safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	byKey    map[string]*entry
	byHandle map[pb.InstanceHandle]*entry
	free     []pb.InstanceHandle
	next     pb.InstanceHandle
	// Instances of a writer Store outlive disposal while registered.
	registered bool
}

type entry struct {
	Instance
	writers  map[pb.EndpointID]int
	retained int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byKey:    make(map[string]*entry),
		byHandle: make(map[pb.InstanceHandle]*entry),
		next:     1,
	}
}

// NewWriterStore returns an empty Store of the instances of local writers.
// Unlike a Store of NewStore, a NOT_ALIVE instance is torn down only once
// no writer remains registered with it, so that a disposed instance may
// still be unregistered by its writers.
func NewWriterStore() *Store {
	var s = NewStore()
	s.registered = true
	return s
}

// RegisterInstance registers |writer| with the instance of |key|, creating
// the instance if required. Registration is idempotent: while the instance is
// alive, each call returns the same handle. Calls are reference-counted per
// writer, and must be balanced by calls to Unregister. Registering a NOT_ALIVE
// instance begins a new generation, in state NEW.
func (s *Store) RegisterInstance(key pb.InstanceKey, writer pb.EndpointID) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e = s.resolve(key)
	if !e.State.IsAlive() {
		e.State = pb.InstanceState_NEW
	}
	e.writers[writer]++
	e.Writers = len(e.writers)

	return e.snapshot(), nil
}

// Lookup returns the handle of the instance of |key|, or ErrNotFound.
func (s *Store) Lookup(key pb.InstanceKey) (pb.InstanceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byKey[string(key)]; ok {
		return e.Handle, nil
	}
	return pb.HandleNil, errors.WithMessagef(pb.ErrNotFound, "instance key %s", key)
}

// KeyOf returns the InstanceKey of |handle|, or ErrInvalidHandle.
func (s *Store) KeyOf(handle pb.InstanceHandle) (pb.InstanceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, err := s.get(handle); err != nil {
		return nil, err
	} else {
		return e.Key, nil
	}
}

// Snapshot returns the current Instance of |handle|, or ErrInvalidHandle.
func (s *Store) Snapshot(handle pb.InstanceHandle) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, err := s.get(handle); err != nil {
		return Instance{}, err
	} else {
		return e.snapshot(), nil
	}
}

// Write |payload| to the instance of |handle| on behalf of |writer|, which
// is implicitly registered if it's not already. The returned snapshot is
// retained.
func (s *Store) Write(handle pb.InstanceHandle, writer pb.EndpointID, payload []byte, ts time.Time) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, err = s.get(handle)
	if err != nil {
		return Instance{}, err
	}
	return s.write(e, writer, payload, ts), nil
}

// WriteKey is Write of the instance of |key|, which is created if required.
func (s *Store) WriteKey(key pb.InstanceKey, writer pb.EndpointID, payload []byte, ts time.Time) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(s.resolve(key), writer, payload, ts), nil
}

// Dispose the instance of |handle|. Its latest payload is retained. The
// returned snapshot is retained.
func (s *Store) Dispose(handle pb.InstanceHandle, ts time.Time) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, err = s.get(handle)
	if err != nil {
		return Instance{}, err
	}
	e.State = pb.InstanceState_NOT_ALIVE_DISPOSED
	e.Timestamp = ts
	e.retained++

	return e.snapshot(), nil
}

// DisposeKey is Dispose of the instance of |key|, which is created if
// required. It's used by readers, which may observe a disposal of an
// instance they've not otherwise seen.
func (s *Store) DisposeKey(key pb.InstanceKey, payload []byte, ts time.Time) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e = s.resolve(key)
	if len(payload) != 0 {
		e.Latest = payload
	}
	e.State = pb.InstanceState_NOT_ALIVE_DISPOSED
	e.Timestamp = ts
	e.retained++

	return e.snapshot(), nil
}

// Unregister |writer| from the instance of |handle|. When the instance has
// no remaining writers, it becomes NOT_ALIVE_NO_WRITERS (unless already
// disposed). It's an error to Unregister a writer which isn't registered.
// The returned snapshot is retained.
func (s *Store) Unregister(handle pb.InstanceHandle, writer pb.EndpointID, ts time.Time) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, err = s.get(handle)
	if err != nil {
		return Instance{}, err
	} else if e.writers[writer] == 0 {
		return Instance{}, errors.WithMessagef(pb.ErrPreconditionNotMet,
			"writer %s is not registered with instance %d", writer, handle)
	}
	return s.unregister(e, writer, ts, false), nil
}

// UnregisterKey is Unregister of the instance of |key|, which is created if
// required. Unlike Unregister, it removes every registration of |writer|.
// It's used by readers to apply a remote writer's unregistration.
func (s *Store) UnregisterKey(key pb.InstanceKey, writer pb.EndpointID, ts time.Time) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unregister(s.resolve(key), writer, ts, true), nil
}

// UnregisterAll removes every registration of |writer| from every instance,
// returning retained snapshots of each affected instance, ordered on handle.
func (s *Store) UnregisterAll(writer pb.EndpointID, ts time.Time) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Instance
	for _, e := range s.byHandle {
		if e.writers[writer] != 0 {
			out = append(out, s.unregister(e, writer, ts, true))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Retain an additional reference to the instance of |handle|.
func (s *Store) Retain(handle pb.InstanceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, err = s.get(handle)
	if err != nil {
		return err
	}
	e.retained++
	return nil
}

// Release a reference to the instance of |handle|. A NOT_ALIVE instance
// having no remaining references is torn down, and its handle recycled.
func (s *Store) Release(handle pb.InstanceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, err = s.get(handle)
	if err != nil {
		return err
	} else if e.retained == 0 {
		return errors.WithMessagef(pb.ErrPreconditionNotMet, "instance %d is not retained", handle)
	}
	e.retained--
	s.maybeTeardown(e)
	return nil
}

// Registrations returns the number of outstanding registrations of |writer|
// with the instance of |handle|.
func (s *Store) Registrations(handle pb.InstanceHandle, writer pb.EndpointID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byHandle[handle]; ok {
		return e.writers[writer]
	}
	return 0
}

// Len returns the number of instances of the Store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHandle)
}

func (s *Store) get(handle pb.InstanceHandle) (*entry, error) {
	if e, ok := s.byHandle[handle]; ok {
		return e, nil
	}
	return nil, errors.WithMessagef(pb.ErrInvalidHandle, "handle %d", handle)
}

// resolve the entry of |key|, creating it if required.
func (s *Store) resolve(key pb.InstanceKey) *entry {
	if e, ok := s.byKey[string(key)]; ok {
		return e
	}
	var e = &entry{
		Instance: Instance{
			Key:    append(pb.InstanceKey{}, key...),
			Handle: s.allocate(),
			State:  pb.InstanceState_NEW,
			View:   pb.ViewState_NEW,
		},
		writers: make(map[pb.EndpointID]int),
	}
	s.byKey[string(key)] = e
	s.byHandle[e.Handle] = e
	return e
}

func (s *Store) write(e *entry, writer pb.EndpointID, payload []byte, ts time.Time) Instance {
	switch e.State {
	case pb.InstanceState_NEW, pb.InstanceState_NOT_ALIVE_NO_WRITERS:
		e.View = pb.ViewState_NEW
	default:
		e.View = pb.ViewState_NOT_NEW
	}
	if e.writers[writer] == 0 {
		e.writers[writer] = 1
		e.Writers = len(e.writers)
	}
	e.State = pb.InstanceState_ALIVE
	e.Latest = payload
	e.Timestamp = ts
	e.retained++

	return e.snapshot()
}

func (s *Store) unregister(e *entry, writer pb.EndpointID, ts time.Time, all bool) Instance {
	if all {
		delete(e.writers, writer)
	} else if e.writers[writer]--; e.writers[writer] <= 0 {
		delete(e.writers, writer)
	}
	e.Writers = len(e.writers)

	if e.Writers == 0 && e.State != pb.InstanceState_NOT_ALIVE_DISPOSED {
		e.State = pb.InstanceState_NOT_ALIVE_NO_WRITERS
		e.Timestamp = ts
	}
	e.retained++
	return e.snapshot()
}

func (s *Store) maybeTeardown(e *entry) {
	if e.retained != 0 || e.State.IsAlive() {
		return
	} else if s.registered && len(e.writers) != 0 {
		return
	}
	delete(s.byKey, string(e.Key))
	delete(s.byHandle, e.Handle)
	s.free = append(s.free, e.Handle)
}

func (s *Store) allocate() pb.InstanceHandle {
	if len(s.free) != 0 {
		var h = s.free[0]
		s.free = s.free[1:]
		return h
	}
	s.next++
	return s.next - 1
}

func (e *entry) snapshot() Instance { return e.Instance }
