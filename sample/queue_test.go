package sample

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/dds/protocol"
)

func TestTakeRemovesAndReadMarks(t *testing.T) {
	var q = NewQueue(8, DropOldest)
	for i := 1; i <= 3; i++ {
		var _, err = q.Push(mk(1, i, pb.InstanceState_ALIVE))
		require.NoError(t, err)
	}

	// Read leaves samples retrievable, flipping them to READ.
	var out = q.Select(nil, 0, AnyMask, nil, false)
	require.Equal(t, []pb.SequenceNumber{1, 2, 3}, seqs(out))
	require.Equal(t, pb.SampleState_NOT_READ, out[0].Info.SampleState)

	out = q.Select(nil, 0, Mask{SampleStates: pb.SampleState_NOT_READ}, nil, false)
	require.Empty(t, out)

	out = q.Select(nil, 2, AnyMask, nil, false)
	require.Equal(t, []pb.SequenceNumber{1, 2}, seqs(out))
	require.Equal(t, pb.SampleState_READ, out[0].Info.SampleState)

	// Take removes them.
	out = q.Select(nil, 0, AnyMask, nil, true)
	require.Equal(t, []pb.SequenceNumber{1, 2, 3}, seqs(out))
	require.Empty(t, q.Select(nil, 0, AnyMask, nil, true))
	require.Equal(t, 0, q.Stats().Len)
}

func TestOverflowPolicies(t *testing.T) {
	var q = NewQueue(2, DropOldest)
	for i := 1; i <= 2; i++ {
		var _, err = q.Push(mk(1, i, pb.InstanceState_ALIVE))
		require.NoError(t, err)
	}
	var evicted, err = q.Push(mk(1, 3, pb.InstanceState_ALIVE))
	require.NoError(t, err)
	require.Equal(t, pb.SequenceNumber(1), evicted.Info.Sequence)
	require.Equal(t, QueueStats{Len: 2, Dropped: 1}, q.Stats())
	require.Equal(t, []pb.SequenceNumber{2, 3}, seqs(q.Select(nil, 0, AnyMask, nil, false)))

	q = NewQueue(2, RejectNewest)
	_, _ = q.Push(mk(1, 1, pb.InstanceState_ALIVE))
	_, _ = q.Push(mk(1, 2, pb.InstanceState_ALIVE))
	evicted, err = q.Push(mk(1, 3, pb.InstanceState_ALIVE))
	require.Nil(t, evicted)
	require.Equal(t, pb.ErrQueueFull, errors.Cause(err))
	require.Equal(t, QueueStats{Len: 2, Rejected: 1}, q.Stats())
}

func TestMaskAndInstanceSelection(t *testing.T) {
	var q = NewQueue(16, DropOldest)
	for _, s := range []Sample{
		mk(3, 1, pb.InstanceState_ALIVE),
		mk(1, 2, pb.InstanceState_ALIVE),
		mk(3, 3, pb.InstanceState_NOT_ALIVE_DISPOSED),
		mk(2, 4, pb.InstanceState_ALIVE),
		mk(1, 5, pb.InstanceState_ALIVE),
	} {
		var _, err = q.Push(s)
		require.NoError(t, err)
	}

	var out = q.Select(nil, 0, Mask{InstanceStates: pb.NotAliveInstanceState}, nil, false)
	require.Equal(t, []pb.SequenceNumber{3}, seqs(out))

	out = q.Select(nil, 0, AnyMask, func(info *Info) bool { return info.Handle == 1 }, false)
	require.Equal(t, []pb.SequenceNumber{2, 5}, seqs(out))

	// Next-instance iteration visits handles in increasing order.
	out = q.SelectNextInstance(nil, pb.HandleNil, 0, AnyMask, true)
	require.Equal(t, []pb.SequenceNumber{2, 5}, seqs(out))
	out = q.SelectNextInstance(nil, 1, 0, AnyMask, true)
	require.Equal(t, []pb.SequenceNumber{4}, seqs(out))
	out = q.SelectNextInstance(nil, 2, 1, AnyMask, true)
	require.Equal(t, []pb.SequenceNumber{1}, seqs(out))
	require.Equal(t, 1, q.Stats().Len)

	// Handle 3 has remaining samples, but none which match the mask.
	out = q.SelectNextInstance(nil, 2, 0, Mask{InstanceStates: pb.InstanceState_ALIVE}, true)
	require.Empty(t, out)
	out = q.SelectNextInstance(nil, 3, 0, AnyMask, true)
	require.Empty(t, out)

	require.Len(t, q.Drain(), 1)
	require.Equal(t, 0, q.Stats().Len)
}

func TestTrimInstance(t *testing.T) {
	var q = NewQueue(8, DropOldest)
	for i, h := range []int{1, 2, 1, 1, 2, 1} {
		var _, err = q.Push(mk(h, i+1, pb.InstanceState_ALIVE))
		require.NoError(t, err)
	}
	require.Nil(t, q.TrimInstance(2, 2))
	require.Equal(t, []pb.SequenceNumber{1, 3}, seqs(q.TrimInstance(1, 2)))
	require.Equal(t, []pb.SequenceNumber{2, 4, 5, 6}, seqs(q.Select(nil, 0, AnyMask, nil, false)))
	require.Equal(t, 4, q.Stats().Len)
}

func TestMaskMatching(t *testing.T) {
	var info = Info{
		SampleState:   pb.SampleState_NOT_READ,
		ViewState:     pb.ViewState_NEW,
		InstanceState: pb.InstanceState_ALIVE,
	}
	require.True(t, Mask{}.Matches(&info))
	require.True(t, AnyMask.Matches(&info))
	require.True(t, Mask{ViewStates: pb.ViewState_NEW}.Matches(&info))
	require.False(t, Mask{ViewStates: pb.ViewState_NOT_NEW}.Matches(&info))
	require.False(t, Mask{SampleStates: pb.SampleState_READ}.Matches(&info))
	require.False(t, Mask{InstanceStates: pb.NotAliveInstanceState}.Matches(&info))
}

func TestLoanPool(t *testing.T) {
	var p LoanPool

	var b = p.Borrow()
	b = append(b, mk(1, 1, pb.InstanceState_ALIVE))
	p.Return(b)
	p.Return(nil) // No-op.

	b = p.Borrow()
	require.Empty(t, b)
}

func TestOverflowPolicyParsing(t *testing.T) {
	for _, p := range []OverflowPolicy{DropOldest, RejectNewest} {
		var pp, err = ParseOverflowPolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, pp)
	}
	var _, err = ParseOverflowPolicy("keep-all")
	require.EqualError(t, err, "invalid OverflowPolicy (keep-all)")
	require.EqualError(t, OverflowPolicy(7).Validate(), "invalid OverflowPolicy (7)")
}

func mk(handle, seq int, state pb.InstanceState) Sample {
	return Sample{Info: Info{
		Handle:        pb.InstanceHandle(handle),
		Sequence:      pb.SequenceNumber(seq),
		ViewState:     pb.ViewState_NEW,
		InstanceState: state,
		ValidData:     true,
	}}
}

func seqs(s []Sample) []pb.SequenceNumber {
	var out []pb.SequenceNumber
	for _, ss := range s {
		out = append(out, ss.Info.Sequence)
	}
	return out
}
