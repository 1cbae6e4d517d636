package sample

import (
	"sync"

	"github.com/pkg/errors"
	pb "go.gazette.dev/dds/protocol"
)

// Queue is a bounded, ordered buffer of Samples. It has a single producer
// (the reader's receive path) and a single consumer (the application),
// which never block one another for longer than a Queue mutation.
type Queue struct {
	capacity int
	policy   OverflowPolicy

	mu       sync.Mutex
	samples  []Sample
	dropped  uint64
	rejected uint64
}

// QueueStats are counters of a Queue.
type QueueStats struct {
	Len      int
	Dropped  uint64
	Rejected uint64
}

// NewQueue returns a Queue of the given capacity and OverflowPolicy.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity <= 0 {
		panic("capacity must be > 0")
	}
	return &Queue{
		capacity: capacity,
		policy:   policy,
		samples:  make([]Sample, 0, capacity),
	}
}

// Push a Sample onto the Queue. If the Queue is full and its policy is
// DropOldest, the oldest Sample is evicted and returned. If its policy is
// RejectNewest, ErrQueueFull is returned.
func (q *Queue) Push(s Sample) (evicted *Sample, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.samples) == q.capacity {
		if q.policy == RejectNewest {
			q.rejected++
			return nil, errors.WithMessagef(pb.ErrQueueFull, "capacity %d", q.capacity)
		}
		var oldest = q.samples[0]
		evicted = &oldest

		copy(q.samples, q.samples[1:])
		q.samples = q.samples[:len(q.samples)-1]
		q.dropped++
	}
	s.Info.SampleState = pb.SampleState_NOT_READ
	q.samples = append(q.samples, s)

	return evicted, nil
}

// Select appends to |dst| up to |max| queued Samples which match the Mask
// and, if non-nil, the filter, in queue order. A |max| <= 0 is unlimited.
// If |take|, selected Samples are removed from the Queue. Otherwise they
// remain and are marked as READ. Returned Samples reflect their
// SampleState prior to the selection.
func (q *Queue) Select(dst []Sample, max int, mask Mask, filter func(*Info) bool, take bool) []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.selectLocked(dst, max, mask, filter, take)
}

// SelectNextInstance is Select of the Samples of the smallest instance
// handle greater than |prev| having at least one matching Sample.
func (q *Queue) SelectNextInstance(dst []Sample, prev pb.InstanceHandle, max int, mask Mask, take bool) []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next = pb.HandleNil
	for i := range q.samples {
		var info = &q.samples[i].Info
		if info.Handle > prev && (next == pb.HandleNil || info.Handle < next) && mask.Matches(info) {
			next = info.Handle
		}
	}
	if next == pb.HandleNil {
		return dst
	}
	return q.selectLocked(dst, max, mask, func(info *Info) bool { return info.Handle == next }, take)
}

// TrimInstance removes the oldest queued Samples of |handle| until at most
// |depth| remain, and returns the removed Samples.
func (q *Queue) TrimInstance(handle pb.InstanceHandle, depth int) []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	for i := range q.samples {
		if q.samples[i].Info.Handle == handle {
			n++
		}
	}
	if n <= depth {
		return nil
	}
	var removed []Sample
	var keep = 0

	for i := range q.samples {
		if q.samples[i].Info.Handle == handle && len(removed) != n-depth {
			removed = append(removed, q.samples[i])
			continue
		}
		q.samples[keep] = q.samples[i]
		keep++
	}
	for i := keep; i != len(q.samples); i++ {
		q.samples[i] = Sample{}
	}
	q.samples = q.samples[:keep]
	return removed
}

// Drain removes and returns all queued Samples.
func (q *Queue) Drain() []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out = q.samples
	q.samples = make([]Sample, 0, q.capacity)
	return out
}

// Stats returns the current QueueStats.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{Len: len(q.samples), Dropped: q.dropped, Rejected: q.rejected}
}

func (q *Queue) selectLocked(dst []Sample, max int, mask Mask, filter func(*Info) bool, take bool) []Sample {
	var n, keep = 0, 0

	for i := range q.samples {
		var s = &q.samples[i]

		if (max <= 0 || n < max) && mask.Matches(&s.Info) && (filter == nil || filter(&s.Info)) {
			dst = append(dst, *s)
			n++

			if take {
				continue // Not retained.
			}
			s.Info.SampleState = pb.SampleState_READ
		}
		if take {
			q.samples[keep] = *s
			keep++
		}
	}
	if take {
		for i := keep; i != len(q.samples); i++ {
			q.samples[i] = Sample{} // Release references.
		}
		q.samples = q.samples[:keep]
	}
	return dst
}
