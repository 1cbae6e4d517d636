package session

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/dds/metrics"
	pb "go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/qos"
)

func TestDeliveryInOrderWithAcknowledgement(t *testing.T) {
	var h = newHarness(t, testPolicy(), nil)
	defer h.close()

	var dones = h.sendN(t, 10)
	h.sink.awaitFrames(t, 10)

	for i, f := range h.sink.snapshot() {
		require.Equal(t, pb.SequenceNumber(i+1), f.Sequence)
		require.Equal(t, fmt.Sprintf("payload %d", i+1), string(f.Payload))
		require.Equal(t, pb.FrameKind_DATA, f.Kind)
	}
	for _, ch := range dones {
		require.NoError(t, <-ch)
	}
	require.Eventually(t, func() bool { return h.w.Stats().Acked == 10 }, time.Second*5, time.Millisecond)

	var ws, rs = h.w.Stats(), h.r.Stats()
	require.Equal(t, Established, ws.State)
	require.Equal(t, pb.SequenceNumber(10), ws.Sequence)
	require.Equal(t, 0, ws.Pending)
	require.Equal(t, WriterRole, ws.Role)
	require.Equal(t, pb.SequenceNumber(10), rs.Sequence)
	require.Equal(t, ReaderRole, rs.Role)
	require.Empty(t, h.sink.lossEvents())
}

func TestRetransmissionRecoversDroppedFrame(t *testing.T) {
	// Drop only the first transmission of sequence 5.
	var h = newHarness(t, testPolicy(), dropSeq(5, 1))
	defer h.close()

	var dones = h.sendN(t, 10)
	h.sink.awaitFrames(t, 10)

	for i, f := range h.sink.snapshot() {
		require.Equal(t, pb.SequenceNumber(i+1), f.Sequence)
	}
	for _, ch := range dones {
		require.NoError(t, <-ch)
	}
	require.Empty(t, h.sink.lossEvents())
	require.True(t, h.w.Stats().Retransmits >= 1)
}

func TestRetryExhaustionDegradesAndRecovers(t *testing.T) {
	var policy = testPolicy()
	policy.MaxRetries = 2
	policy.GapTimeout = time.Minute

	var h = newHarness(t, policy, dropSeq(5, -1))
	defer h.close()

	var dones = h.sendN(t, 10)
	h.sink.awaitFrames(t, 9)

	for i, ch := range dones {
		if i+1 == 5 {
			require.Equal(t, pb.ErrTransportTimeout, errors.Cause(<-ch))
		} else {
			require.NoError(t, <-ch)
		}
	}
	var seqs []pb.SequenceNumber
	for _, f := range h.sink.snapshot() {
		seqs = append(seqs, f.Sequence)
	}
	require.Equal(t, []pb.SequenceNumber{1, 2, 3, 4, 6, 7, 8, 9, 10}, seqs)

	var losses = h.sink.lossEvents()
	require.Len(t, losses, 1)
	require.Equal(t, pb.SequenceNumber(5), losses[0].First)
	require.Equal(t, pb.SequenceNumber(5), losses[0].Last)
	require.Equal(t, metrics.LossWriterDropped, losses[0].Reason)
	require.Equal(t, h.w.Writer(), losses[0].Writer)
	require.Equal(t, uint64(1), losses[0].Count())

	// Acknowledgement of later frames returns the session to ESTABLISHED,
	// but it retains its transport error.
	require.Eventually(t, func() bool { return h.w.State() == Established }, time.Second*5, time.Millisecond)
	var ws = h.w.Stats()
	require.Equal(t, uint64(1), ws.Lost)
	require.Equal(t, pb.ErrTransportTimeout, errors.Cause(ws.Err))
}

func TestReaderSkipsGapAfterTimeout(t *testing.T) {
	var policy = testPolicy()
	policy.MaxRetries = 1000
	policy.GapTimeout = 50 * time.Millisecond

	var h = newHarness(t, policy, dropSeq(3, -1))
	defer h.close()

	h.sendN(t, 5)
	h.sink.awaitFrames(t, 4)

	var losses = h.sink.lossEvents()
	require.Len(t, losses, 1)
	require.Equal(t, pb.SequenceNumber(3), losses[0].First)
	require.Equal(t, metrics.LossGapTimeout, losses[0].Reason)
	require.Equal(t, uint64(1), h.r.Stats().Lost)
}

func TestBestEffortSkipsLossImmediately(t *testing.T) {
	var policy = testPolicy()
	policy.Reliability = qos.BestEffort
	policy.GapTimeout = time.Minute

	var h = newHarness(t, policy, dropSeq(3, -1))
	defer h.close()

	var dones = h.sendN(t, 5)
	for _, ch := range dones {
		require.NoError(t, <-ch)
	}
	h.sink.awaitFrames(t, 4)

	var losses = h.sink.lossEvents()
	require.Len(t, losses, 1)
	require.Equal(t, pb.SequenceNumber(3), losses[0].First)
	require.Equal(t, metrics.LossBestEffort, losses[0].Reason)
	require.Equal(t, uint64(0), h.w.Stats().Retransmits)
}

func TestCompressedPayloads(t *testing.T) {
	for _, codec := range []pb.CompressionCodec{
		pb.CompressionCodec_SNAPPY,
		pb.CompressionCodec_ZSTANDARD,
		pb.CompressionCodec_GZIP,
	} {
		var policy = testPolicy()
		policy.Compression = codec

		var h = newHarness(t, policy, nil)
		h.sendN(t, 3)
		h.sink.awaitFrames(t, 3)

		require.Equal(t, "payload 3", string(h.sink.snapshot()[2].Payload))
		require.Equal(t, codec, h.r.Stats().Compression)
		h.close()
	}
}

func TestSendWindowBackpressure(t *testing.T) {
	var policy = testPolicy()
	policy.SendWindow = 4
	policy.MaxRetries = 1000

	// Frames aren't received until |dropping| is cleared.
	var mu sync.Mutex
	var dropping = true

	var h = newHarness(t, policy, func(f *pb.Frame) bool {
		mu.Lock()
		defer mu.Unlock()
		return dropping && f.Kind == pb.FrameKind_DATA
	})
	defer h.close()

	for i := 0; i != 4; i++ {
		require.NoError(t, h.w.Send(pb.Frame{Kind: pb.FrameKind_DATA, Payload: []byte("x")}, nil))
	}
	require.Equal(t, pb.ErrQueueFull, h.w.Send(pb.Frame{Kind: pb.FrameKind_DATA}, nil))

	// Once frames are received, acknowledgements open the window.
	mu.Lock()
	dropping = false
	mu.Unlock()

	h.sink.awaitFrames(t, 4)
	require.Eventually(t, func() bool { return h.w.Stats().Pending == 0 }, time.Second*5, time.Millisecond)
	require.NoError(t, h.w.Send(pb.Frame{Kind: pb.FrameKind_DATA}, nil))
}

func TestFullSinkHoldsFramesWithoutLoss(t *testing.T) {
	var policy = testPolicy()
	policy.MaxRetries = 2

	var h = newHarness(t, policy, nil)
	defer h.close()
	h.sink.setFull(true)

	var dones = h.sendN(t, 1)

	// The reader reports the frame it holds, and the writer refuses further
	// frames while it does.
	require.Eventually(t, func() bool { return h.w.Stats().Held == 1 }, time.Second*5, time.Millisecond)
	require.Equal(t, pb.SequenceNumber(1), h.r.Stats().Held)

	var err = h.w.Send(pb.Frame{Kind: pb.FrameKind_DATA, Payload: []byte("refused")}, nil)
	require.Equal(t, pb.ErrQueueFull, errors.Cause(err))

	// Remain full for well beyond the retry bound of the held frame.
	time.Sleep(20 * policy.RetransmitTimeout * time.Duration(policy.MaxRetries+1))

	require.Empty(t, h.sink.lossEvents())
	require.Empty(t, h.sink.snapshot())
	var ws = h.w.Stats()
	require.Equal(t, Established, ws.State)
	require.Equal(t, uint64(0), ws.Lost)
	require.Equal(t, 1, ws.Pending)
	require.NoError(t, ws.Err)

	// Once the sink has room, the held frame is delivered and acknowledged.
	h.sink.setFull(false)
	h.sink.awaitFrames(t, 1)
	require.NoError(t, <-dones[0])

	require.Eventually(t, func() bool { return h.w.Stats().Held == 0 }, time.Second*5, time.Millisecond)
	require.Equal(t, pb.SequenceNumber(0), h.r.Stats().Held)
	h.sendN(t, 1)
	h.sink.awaitFrames(t, 2)

	require.Equal(t, "payload 1", string(h.sink.snapshot()[1].Payload))
	require.Empty(t, h.sink.lossEvents())
	require.Equal(t, uint64(0), h.r.Stats().Lost)
}

func TestSendValidation(t *testing.T) {
	var h = newHarness(t, testPolicy(), nil)
	defer h.close()

	require.EqualError(t, h.w.Send(pb.Frame{Kind: pb.FrameKind_ACK}, nil),
		"Send called with unsequenced ACK frame")
	require.EqualError(t, h.r.Send(pb.Frame{Kind: pb.FrameKind_DATA}, nil),
		"Send called on reader Session")
}

func TestCloseNotifiesPeerAndPendingSends(t *testing.T) {
	var policy = testPolicy()
	policy.RetransmitTimeout = time.Minute

	var h = newHarness(t, policy, nil)
	h.sink.setFull(true)

	var done = make(chan error, 1)
	require.NoError(t, h.w.Send(pb.Frame{
		Kind:           pb.FrameKind_DATA,
		Key:            pb.InstanceKey("key"),
		Payload:        []byte("unacked"),
		SourceSequence: 42,
	}, func(err error) { done <- err }))

	require.NoError(t, h.w.Close())
	require.Equal(t, pb.ErrSessionClosed, <-done)
	require.Equal(t, Closed, h.w.State())
	require.Equal(t, pb.ErrSessionClosed, h.w.Send(pb.Frame{Kind: pb.FrameKind_DATA}, nil))

	// The reader observes an orderly close by its peer.
	select {
	case err := <-h.readerClosed:
		require.Equal(t, pb.ErrSessionClosed, errors.Cause(err))
	case <-time.After(5 * time.Second):
		t.Fatal("reader wasn't closed")
	}
	<-h.r.Done()

	// Frames which weren't acknowledged are available for replay.
	var unacked = h.w.Unacked()
	require.Len(t, unacked, 1)
	require.Equal(t, "unacked", string(unacked[0].Payload))
	require.Equal(t, pb.SequenceNumber(0), unacked[0].Sequence)
	require.Equal(t, pb.SequenceNumber(42), unacked[0].SourceSequence)
	require.Equal(t, pb.InstanceKey("key"), unacked[0].Key)

	// A local Close reports a nil error.
	select {
	case err := <-h.writerClosed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer OnClosed wasn't called")
	}
}

func TestHandshakeRejections(t *testing.T) {
	var keys = base64.StdEncoding.EncodeToString([]byte("secret"))
	var auth, err = NewKeyedAuth(keys, time.Minute)
	require.NoError(t, err)
	var otherAuth, _ = NewKeyedAuth(base64.StdEncoding.EncodeToString([]byte("other")), time.Minute)

	var cases = []struct {
		name      string
		mutate    func(w *WriterOptions, r *ReaderOptions)
		resolve   error
		expect    error
		expectMsg string
	}{
		{
			name:    "unknown reader",
			resolve: errors.WithMessage(pb.ErrNotFound, "no such reader"),
			expect:  pb.ErrNotFound,
		},
		{
			name:   "type version mismatch",
			mutate: func(w *WriterOptions, r *ReaderOptions) { r.Reader.TypeVersion = 2 },
			expect: pb.ErrIncompatibleType,
		},
		{
			name: "type name mismatch",
			mutate: func(w *WriterOptions, r *ReaderOptions) {
				w.Writer.Topic.TypeName = "Other"
				w.Reader.Topic.TypeName = "Other"
			},
			expect: pb.ErrIncompatibleType,
		},
		{
			name:   "missing token",
			mutate: func(w *WriterOptions, r *ReaderOptions) { r.Auth = auth },
			expect: pb.ErrUnauthenticated,
		},
		{
			name: "wrong key",
			mutate: func(w *WriterOptions, r *ReaderOptions) {
				w.Auth, r.Auth = otherAuth, auth
			},
			expect: pb.ErrUnauthenticated,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var wOpts, rOpts = testOptions(testPolicy(), &testSink{})
			if tc.mutate != nil {
				tc.mutate(&wOpts, &rOpts)
			}
			var wc, rc = net.Pipe()
			var acceptErr = make(chan error, 1)

			go func() {
				var _, err = Accept(rc, time.Second, func(hs *pb.Frame) (ReaderOptions, error) {
					return rOpts, tc.resolve
				})
				acceptErr <- err
			}()

			var s, err = Dial(wc, wOpts)
			require.Nil(t, s)
			require.Equal(t, tc.expect, errors.Cause(err))
			require.Equal(t, tc.expect, errors.Cause(<-acceptErr))
		})
	}
}

func TestHandshakeWithAuthentication(t *testing.T) {
	var auth, err = NewKeyedAuth(base64.StdEncoding.EncodeToString([]byte("secret")), time.Minute)
	require.NoError(t, err)

	var wOpts, rOpts = testOptions(testPolicy(), &testSink{})
	wOpts.Auth, rOpts.Auth = auth, auth

	var h = newHarnessWithOptions(t, wOpts, rOpts, nil)
	defer h.close()

	h.sendN(t, 1)
	h.sink.awaitFrames(t, 1)
}

func TestHandshakeTimeout(t *testing.T) {
	var policy = testPolicy()
	policy.HandshakeTimeout = 20 * time.Millisecond

	var wOpts, _ = testOptions(policy, nil)
	var wc, rc = net.Pipe()
	defer rc.Close()

	// Consume the HANDSHAKE, but never respond.
	go func() { _, _ = io.Copy(io.Discard, rc) }()

	var _, err = Dial(wc, wOpts)
	require.Equal(t, pb.ErrTransportTimeout, errors.Cause(err))
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "CONNECTING", Connecting.String())
	require.Equal(t, "ESTABLISHED", Established.String())
	require.Equal(t, "DEGRADED", Degraded.String())
	require.Equal(t, "CLOSED", Closed.String())
	require.Equal(t, "INVALID", State(42).String())
	require.Equal(t, "writer", WriterRole.String())
	require.Equal(t, "reader", ReaderRole.String())
}

func testPolicy() qos.Policy {
	var p = qos.Default()
	p.Heartbeat = 10 * time.Millisecond
	p.RetransmitTimeout = 20 * time.Millisecond
	p.GapTimeout = 5 * time.Second
	p.HandshakeTimeout = 5 * time.Second
	return p
}

var testTopic = pb.Topic{Name: "Example_HelloWorld", TypeName: "HelloWorld"}

func testOptions(policy qos.Policy, sink Sink) (WriterOptions, ReaderOptions) {
	var w = pb.EndpointSpec{
		ID:          pb.NewEndpointID(),
		Kind:        pb.EndpointKind_WRITER,
		Topic:       testTopic,
		TypeVersion: 1,
		Participant: "test",
	}
	var r = w
	r.ID, r.Kind = pb.NewEndpointID(), pb.EndpointKind_READER

	return WriterOptions{Writer: w, Reader: r, Policy: policy},
		ReaderOptions{Reader: r, Policy: policy, Sink: sink}
}

type harness struct {
	w, r         *Session
	sink         *testSink
	writerClosed chan error
	readerClosed chan error
}

func newHarness(t *testing.T, policy qos.Policy, drop func(*pb.Frame) bool) *harness {
	var wOpts, rOpts = testOptions(policy, &testSink{})
	return newHarnessWithOptions(t, wOpts, rOpts, drop)
}

func newHarnessWithOptions(t *testing.T, wOpts WriterOptions, rOpts ReaderOptions, drop func(*pb.Frame) bool) *harness {
	var h = &harness{
		sink:         rOpts.Sink.(*testSink),
		writerClosed: make(chan error, 1),
		readerClosed: make(chan error, 1),
	}
	wOpts.OnClosed = func(_ *Session, err error) { h.writerClosed <- err }
	rOpts.OnClosed = func(_ *Session, err error) { h.readerClosed <- err }

	var wc, rc = net.Pipe()
	if drop != nil {
		wc = &lossyConn{Conn: wc, drop: drop}
	}
	var accepted = make(chan *Session, 1)

	go func() {
		var s, err = Accept(rc, time.Second, func(hs *pb.Frame) (ReaderOptions, error) {
			return rOpts, nil
		})
		require.NoError(t, err)
		accepted <- s
	}()

	var err error
	h.w, err = Dial(wc, wOpts)
	require.NoError(t, err)
	h.r = <-accepted

	require.Equal(t, Established, h.w.State())
	return h
}

// sendN sends |n| DATA frames, returning channels of their completions.
func (h *harness) sendN(t *testing.T, n int) []chan error {
	var out []chan error
	for i := 1; i <= n; i++ {
		var ch = make(chan error, 1)
		require.NoError(t, h.w.Send(pb.Frame{
			Kind:    pb.FrameKind_DATA,
			Key:     pb.InstanceKey("key"),
			Payload: []byte(fmt.Sprintf("payload %d", i)),
		}, func(err error) { ch <- err }))
		out = append(out, ch)
	}
	return out
}

func (h *harness) close() {
	_ = h.w.Close()
	_ = h.r.Close()
}

type testSink struct {
	mu     sync.Mutex
	frames []pb.Frame
	losses []LossEvent
	full   bool
}

func (k *testSink) Deliver(_ *Session, f *pb.Frame) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.full {
		return pb.ErrQueueFull
	}
	k.frames = append(k.frames, *f)
	return nil
}

func (k *testSink) Lost(_ *Session, ev LossEvent) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.losses = append(k.losses, ev)
}

func (k *testSink) setFull(full bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.full = full
}

func (k *testSink) snapshot() []pb.Frame {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]pb.Frame(nil), k.frames...)
}

func (k *testSink) lossEvents() []LossEvent {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]LossEvent(nil), k.losses...)
}

func (k *testSink) awaitFrames(t *testing.T, n int) {
	require.Eventually(t, func() bool { return len(k.snapshot()) >= n },
		time.Second*5, time.Millisecond)
}

// lossyConn drops written frames which match |drop|.
type lossyConn struct {
	net.Conn
	drop func(*pb.Frame) bool
}

func (c *lossyConn) Write(b []byte) (int, error) {
	var br = bufio.NewReader(bytes.NewReader(b))
	var out []byte

	for {
		var raw, err = pb.UnpackFrame(br)
		if err != nil {
			break
		}
		var f pb.Frame
		if err = pb.UnmarshalFrame(raw, &f); err == nil && c.drop(&f) {
			continue
		}
		out = append(out, raw...)
	}
	if len(out) == 0 {
		return len(b), nil
	} else if _, err := c.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(b), nil
}

// dropSeq drops the first |times| transmissions of DATA frame |seq|, or
// every transmission if |times| is negative.
func dropSeq(seq pb.SequenceNumber, times int) func(*pb.Frame) bool {
	var mu sync.Mutex
	var dropped int

	return func(f *pb.Frame) bool {
		mu.Lock()
		defer mu.Unlock()

		if f.Kind != pb.FrameKind_DATA || f.Sequence != seq {
			return false
		} else if times >= 0 && dropped >= times {
			return false
		}
		dropped++
		return true
	}
}
