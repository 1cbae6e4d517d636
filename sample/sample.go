// Package sample defines Samples as observed by readers, the state Masks
// which select them, and the bounded Queue which hands Samples from a
// reader's sessions to its application.
package sample

import (
	"strings"
	"time"

	pb "go.gazette.dev/dds/protocol"
)

// Info is the metadata of a Sample.
type Info struct {
	// Handle of the sample's instance, within the reader's instance table.
	Handle pb.InstanceHandle
	// Key of the sample's instance, captured at arrival.
	Key pb.InstanceKey
	// Writer which published the sample.
	Writer pb.EndpointID
	// Sequence number of the sample, assigned by its Writer's topic.
	Sequence pb.SequenceNumber
	// SourceTimestamp is assigned by the Writer.
	SourceTimestamp time.Time
	// ReceptionTimestamp is assigned by the Reader upon arrival.
	ReceptionTimestamp time.Time

	SampleState   pb.SampleState
	ViewState     pb.ViewState
	InstanceState pb.InstanceState
	Disposition   pb.Disposition
	// ValidData is false for disposition-only samples, which notify of an
	// instance's disposal or unregistration.
	ValidData bool
}

// Sample is a published value and its Info, as observed by a reader.
type Sample struct {
	Info Info
	// Value is the deserialized sample, or nil if !Info.ValidData.
	Value interface{}
	// Payload is the serialized sample.
	Payload []byte
}

// Mask selects Samples by their states. A zero-valued field of the Mask
// matches any state.
type Mask struct {
	SampleStates   pb.SampleState
	ViewStates     pb.ViewState
	InstanceStates pb.InstanceState
}

// AnyMask matches all Samples.
var AnyMask = Mask{
	SampleStates:   pb.AnySampleState,
	ViewStates:     pb.AnyViewState,
	InstanceStates: pb.AnyInstanceState,
}

// Matches returns true if the Info is selected by the Mask.
func (m Mask) Matches(info *Info) bool {
	return (m.SampleStates == 0 || m.SampleStates&info.SampleState != 0) &&
		(m.ViewStates == 0 || m.ViewStates&info.ViewState != 0) &&
		(m.InstanceStates == 0 || m.InstanceStates&info.InstanceState != 0)
}

// OverflowPolicy of a full Queue.
type OverflowPolicy uint8

const (
	// DropOldest evicts the oldest queued Sample to make room for the newest.
	DropOldest OverflowPolicy = iota
	// RejectNewest refuses the newest Sample with ErrQueueFull, which is
	// surfaced to the writer as backpressure.
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	default:
		return "invalid"
	}
}

// Validate returns an error if the OverflowPolicy is not known.
func (p OverflowPolicy) Validate() error {
	if p != DropOldest && p != RejectNewest {
		return pb.NewValidationError("invalid OverflowPolicy (%d)", p)
	}
	return nil
}

// ParseOverflowPolicy parses the String form of an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "drop-oldest", "":
		return DropOldest, nil
	case "reject-newest":
		return RejectNewest, nil
	default:
		return 0, pb.NewValidationError("invalid OverflowPolicy (%s)", s)
	}
}

// MarshalYAML encodes the OverflowPolicy by name.
func (p OverflowPolicy) MarshalYAML() (interface{}, error) { return p.String(), nil }

// UnmarshalYAML decodes the OverflowPolicy by name.
func (p *OverflowPolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	var pp, err = ParseOverflowPolicy(s)
	if err != nil {
		return err
	}
	*p = pp
	return nil
}
