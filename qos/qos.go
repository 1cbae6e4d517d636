// Package qos defines the quality-of-service Policy of writers, readers,
// and their sessions, and libraries of named Policy profiles.
package qos

import (
	"strings"
	"time"

	"go.gazette.dev/dds/protocol"
	"go.gazette.dev/dds/sample"
)

// Reliability of delivery over a session.
type Reliability uint8

const (
	// Reliable sessions retransmit unacknowledged frames, and readers wait
	// up to GapTimeout for missing frames before skipping them.
	Reliable Reliability = iota
	// BestEffort sessions never retransmit, and readers skip missing
	// frames immediately.
	BestEffort
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case BestEffort:
		return "best-effort"
	default:
		return "invalid"
	}
}

// MarshalYAML encodes the Reliability by name.
func (r Reliability) MarshalYAML() (interface{}, error) { return r.String(), nil }

// UnmarshalYAML decodes the Reliability by name.
func (r *Reliability) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "reliable":
		*r = Reliable
	case "best-effort", "best_effort":
		*r = BestEffort
	default:
		return protocol.NewValidationError("invalid Reliability (%s)", s)
	}
	return nil
}

// History bounds the samples a reader retains per instance.
type History struct {
	// Depth is the number of most-recent samples retained per instance.
	// Zero retains all samples, subject to the Queue Capacity.
	Depth int `yaml:"depth"`
}

// Queue configures a reader's sample queue.
type Queue struct {
	Capacity int                   `yaml:"capacity"`
	Overflow sample.OverflowPolicy `yaml:"overflow"`
}

// Policy is the quality-of-service configuration of an endpoint.
type Policy struct {
	Reliability Reliability `yaml:"reliability"`
	History     History     `yaml:"history"`
	Queue       Queue       `yaml:"queue"`
	// SendWindow bounds the unacknowledged frames buffered by a writer's
	// session. Writes to a session having a full SendWindow fail with
	// ErrQueueFull.
	SendWindow int `yaml:"sendWindow"`
	// ReceiveWindow bounds the out-of-order frames buffered by a reader's
	// session.
	ReceiveWindow int `yaml:"receiveWindow"`
	// Heartbeat is the interval of writer HEARTBEATs.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// RetransmitTimeout is the initial interval after which an
	// unacknowledged frame is retransmitted. Intervals back off
	// exponentially with each retry.
	RetransmitTimeout time.Duration `yaml:"retransmitTimeout"`
	// MaxRetries bounds retransmissions of a frame. A frame exceeding the
	// bound is dropped, and its session becomes DEGRADED.
	MaxRetries int `yaml:"maxRetries"`
	// GapTimeout bounds the time a reader waits for a missing frame before
	// skipping it and reporting a loss.
	GapTimeout time.Duration `yaml:"gapTimeout"`
	// HandshakeTimeout bounds session establishment.
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	// Compression of sample payloads, proposed by writers.
	Compression protocol.CompressionCodec `yaml:"compression"`
}

// Default returns the default Policy.
func Default() Policy {
	return Policy{
		Reliability:       Reliable,
		Queue:             Queue{Capacity: 1024, Overflow: sample.DropOldest},
		SendWindow:        1024,
		ReceiveWindow:     256,
		Heartbeat:         100 * time.Millisecond,
		RetransmitTimeout: 200 * time.Millisecond,
		MaxRetries:        5,
		GapTimeout:        time.Second,
		HandshakeTimeout:  5 * time.Second,
		Compression:       protocol.CompressionCodec_NONE,
	}
}

// Validate returns an error if the Policy is not well-formed.
func (p Policy) Validate() error {
	if p.Reliability != Reliable && p.Reliability != BestEffort {
		return protocol.NewValidationError("invalid Reliability (%d)", p.Reliability)
	} else if p.History.Depth < 0 {
		return protocol.NewValidationError("invalid History.Depth (%d; expected >= 0)", p.History.Depth)
	} else if p.Queue.Capacity <= 0 {
		return protocol.NewValidationError("invalid Queue.Capacity (%d; expected > 0)", p.Queue.Capacity)
	} else if err := p.Queue.Overflow.Validate(); err != nil {
		return protocol.ExtendContext(err, "Queue")
	} else if p.SendWindow <= 0 {
		return protocol.NewValidationError("invalid SendWindow (%d; expected > 0)", p.SendWindow)
	} else if p.ReceiveWindow <= 0 {
		return protocol.NewValidationError("invalid ReceiveWindow (%d; expected > 0)", p.ReceiveWindow)
	} else if p.MaxRetries < 0 {
		return protocol.NewValidationError("invalid MaxRetries (%d; expected >= 0)", p.MaxRetries)
	} else if err = p.Compression.Validate(); err != nil {
		return err
	}

	for _, d := range []struct {
		name string
		d    time.Duration
	}{
		{"Heartbeat", p.Heartbeat},
		{"RetransmitTimeout", p.RetransmitTimeout},
		{"GapTimeout", p.GapTimeout},
		{"HandshakeTimeout", p.HandshakeTimeout},
	} {
		if d.d <= 0 {
			return protocol.NewValidationError("invalid %s (%s; expected > 0)", d.name, d.d)
		}
	}
	return nil
}

// TickInterval is the interval at which sessions of the Policy evaluate
// their heartbeat, retransmission, and gap timers.
func (p Policy) TickInterval() time.Duration {
	var d = p.Heartbeat
	if p.RetransmitTimeout/2 < d {
		d = p.RetransmitTimeout / 2
	}
	if p.GapTimeout/2 < d {
		d = p.GapTimeout / 2
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
