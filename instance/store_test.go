package instance

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/dds/protocol"
)

func TestRegisterIsIdempotent(t *testing.T) {
	var s = NewStore()
	var w = pb.NewEndpointID()

	var i1, err = s.RegisterInstance(pb.InstanceKey("default"), w)
	require.NoError(t, err)
	i2, err := s.RegisterInstance(pb.InstanceKey("default"), w)
	require.NoError(t, err)

	require.Equal(t, pb.InstanceHandle(1), i1.Handle)
	require.Equal(t, i1.Handle, i2.Handle)
	require.Equal(t, pb.InstanceState_NEW, i2.State)
	require.Equal(t, 1, i2.Writers)
	require.Equal(t, 1, s.Len())

	h, err := s.Lookup(pb.InstanceKey("default"))
	require.NoError(t, err)
	require.Equal(t, i1.Handle, h)

	key, err := s.KeyOf(h)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceKey("default"), key)

	_, err = s.Lookup(pb.InstanceKey("other"))
	require.Equal(t, pb.ErrNotFound, errors.Cause(err))
	_, err = s.KeyOf(42)
	require.Equal(t, pb.ErrInvalidHandle, errors.Cause(err))
}

func TestWriteViewStates(t *testing.T) {
	var s = NewStore()
	var w = pb.NewEndpointID()
	var ts = time.Unix(1000, 0)

	var i, err = s.WriteKey(pb.InstanceKey("default"), w, []byte("message data 0"), ts)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_ALIVE, i.State)
	require.Equal(t, pb.ViewState_NEW, i.View)
	require.Equal(t, 1, i.Writers) // Implicitly registered.

	i, err = s.Write(i.Handle, w, []byte("message data 1"), ts.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, pb.ViewState_NOT_NEW, i.View)
	require.Equal(t, []byte("message data 1"), i.Latest)
	require.Equal(t, ts.Add(time.Second), i.Timestamp)

	// Writes of a NO_WRITERS instance begin a new generation.
	i, err = s.Unregister(i.Handle, w, ts)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_NO_WRITERS, i.State)

	i, err = s.Write(i.Handle, w, []byte("message data 2"), ts)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_ALIVE, i.State)
	require.Equal(t, pb.ViewState_NEW, i.View)

	// Writes of a DISPOSED instance revive it within its generation.
	_, err = s.Dispose(i.Handle, ts)
	require.NoError(t, err)
	i, err = s.Write(i.Handle, w, []byte("message data 3"), ts)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_ALIVE, i.State)
	require.Equal(t, pb.ViewState_NOT_NEW, i.View)
}

func TestDisposeRetainsPayloadUntilReleased(t *testing.T) {
	var s = NewStore()
	var w = pb.NewEndpointID()

	var i, err = s.WriteKey(pb.InstanceKey("default"), w, []byte("last"), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Release(i.Handle)) // Alive: not torn down.
	require.Equal(t, 1, s.Len())

	// Two readers have yet to take the disposal.
	d, err := s.Dispose(i.Handle, time.Now())
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_DISPOSED, d.State)
	require.Equal(t, []byte("last"), d.Latest)
	require.NoError(t, s.Retain(d.Handle))
	require.NoError(t, s.Retain(d.Handle))
	require.NoError(t, s.Release(d.Handle)) // Guard reference.

	// A new key may not reuse the handle while it's retained.
	other, err := s.RegisterInstance(pb.InstanceKey("other"), w)
	require.NoError(t, err)
	require.NotEqual(t, d.Handle, other.Handle)

	require.NoError(t, s.Release(d.Handle))
	snap, err := s.Snapshot(d.Handle)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_DISPOSED, snap.State)

	require.NoError(t, s.Release(d.Handle))
	_, err = s.Snapshot(d.Handle)
	require.Equal(t, pb.ErrInvalidHandle, errors.Cause(err))
	_, err = s.Lookup(pb.InstanceKey("default"))
	require.Equal(t, pb.ErrNotFound, errors.Cause(err))

	// The handle is now recycled.
	third, err := s.RegisterInstance(pb.InstanceKey("third"), w)
	require.NoError(t, err)
	require.Equal(t, d.Handle, third.Handle)

	// Releasing an unretained instance is an error.
	require.Equal(t, pb.ErrPreconditionNotMet, errors.Cause(s.Release(third.Handle)))
}

func TestUnregisterRefCounting(t *testing.T) {
	var s = NewStore()
	var w1, w2 = pb.NewEndpointID(), pb.NewEndpointID()
	var key = pb.InstanceKey("default")

	var i, _ = s.RegisterInstance(key, w1)
	_, _ = s.RegisterInstance(key, w1)
	_, _ = s.RegisterInstance(key, w2)
	require.Equal(t, 2, s.Registrations(i.Handle, w1))
	require.Equal(t, 1, s.Registrations(i.Handle, w2))

	i, err := s.Unregister(i.Handle, w1, time.Now())
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NEW, i.State)
	require.Equal(t, 2, i.Writers)
	require.NoError(t, s.Release(i.Handle))

	i, _ = s.Unregister(i.Handle, w1, time.Now())
	require.Equal(t, 1, i.Writers)
	require.Equal(t, 0, s.Registrations(i.Handle, w1))
	require.NoError(t, s.Release(i.Handle))

	_, err = s.Unregister(i.Handle, w1, time.Now())
	require.Equal(t, pb.ErrPreconditionNotMet, errors.Cause(err))

	i, _ = s.Unregister(i.Handle, w2, time.Now())
	require.Equal(t, pb.InstanceState_NOT_ALIVE_NO_WRITERS, i.State)
	require.NoError(t, s.Release(i.Handle))
	require.Equal(t, 0, s.Len())
}

func TestRegisterRevivesNotAliveInstance(t *testing.T) {
	var s = NewStore()
	var w = pb.NewEndpointID()
	var key = pb.InstanceKey("default")

	var i, _ = s.WriteKey(key, w, []byte("one"), time.Now())
	d, _ := s.Dispose(i.Handle, time.Now())

	r, err := s.RegisterInstance(key, w)
	require.NoError(t, err)
	require.Equal(t, d.Handle, r.Handle)
	require.Equal(t, pb.InstanceState_NEW, r.State)

	// Releases of outstanding snapshots don't tear down the live instance.
	require.NoError(t, s.Release(i.Handle))
	require.NoError(t, s.Release(d.Handle))
	require.Equal(t, 1, s.Len())
}

func TestReaderSideKeyedTransitions(t *testing.T) {
	var s = NewStore()
	var w1, w2 = pb.NewEndpointID(), pb.NewEndpointID()
	var key = pb.InstanceKey("default")

	var a, _ = s.WriteKey(key, w1, []byte("a"), time.Now())
	var b, _ = s.WriteKey(key, w2, []byte("b"), time.Now())
	require.Equal(t, a.Handle, b.Handle)
	require.Equal(t, 2, b.Writers)

	u, _ := s.UnregisterKey(key, w1, time.Now())
	require.Equal(t, pb.InstanceState_ALIVE, u.State)

	// A disposal of a never-seen instance creates it, already disposed.
	d, err := s.DisposeKey(pb.InstanceKey("unseen"), []byte("final"), time.Now())
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_DISPOSED, d.State)
	require.Equal(t, []byte("final"), d.Latest)

	var all = s.UnregisterAll(w2, time.Now())
	require.Len(t, all, 1)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_NO_WRITERS, all[0].State)

	require.Equal(t, 2, s.Len())
	h, err := s.Lookup(pb.InstanceKey("unseen"))
	require.NoError(t, err)
	require.Equal(t, d.Handle, h)
}

func TestWriterStoreKeepsDisposedInstanceWhileRegistered(t *testing.T) {
	var s = NewWriterStore()
	var w = pb.NewEndpointID()
	var key = pb.InstanceKey("default")

	var r, err = s.RegisterInstance(key, w)
	require.NoError(t, err)
	i, err := s.Write(r.Handle, w, []byte("last"), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Release(i.Handle))

	// The disposal is acknowledged, but the writer's registration remains.
	d, err := s.Dispose(i.Handle, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Release(d.Handle))

	snap, err := s.Snapshot(d.Handle)
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_DISPOSED, snap.State)
	require.Equal(t, 1, s.Registrations(d.Handle, w))
	h, err := s.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, d.Handle, h)

	// Implicit registration by Write was idempotent, so one Unregister
	// releases the last registration.
	u, err := s.Unregister(d.Handle, w, time.Now())
	require.NoError(t, err)
	require.Equal(t, pb.InstanceState_NOT_ALIVE_DISPOSED, u.State)
	require.Equal(t, 0, u.Writers)
	require.NoError(t, s.Release(u.Handle))

	_, err = s.Snapshot(d.Handle)
	require.Equal(t, pb.ErrInvalidHandle, errors.Cause(err))
	require.Equal(t, 0, s.Len())

	// A reader Store tears down a disposed instance once released.
	var rs = NewStore()
	i, _ = rs.WriteKey(key, w, []byte("last"), time.Now())
	require.NoError(t, rs.Release(i.Handle))
	d, _ = rs.DisposeKey(key, nil, time.Now())
	require.NoError(t, rs.Release(d.Handle))
	require.Equal(t, 0, rs.Len())
}
