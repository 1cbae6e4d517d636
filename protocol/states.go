package protocol

import "strings"

// InstanceState is the lifecycle state of an instance. Values are bit flags,
// and may be combined into an InstanceStateMask.
type InstanceState uint8

const (
	// InstanceState_NEW is an instance which is registered, but not yet written.
	InstanceState_NEW InstanceState = 1 << iota
	// InstanceState_ALIVE is an instance having at least one live writer and
	// which has not been disposed.
	InstanceState_ALIVE
	// InstanceState_NOT_ALIVE_DISPOSED is an instance which was explicitly disposed.
	InstanceState_NOT_ALIVE_DISPOSED
	// InstanceState_NOT_ALIVE_NO_WRITERS is an instance from which every
	// writer has unregistered.
	InstanceState_NOT_ALIVE_NO_WRITERS

	// AnyInstanceState matches every InstanceState.
	AnyInstanceState = InstanceState_NEW | InstanceState_ALIVE |
		InstanceState_NOT_ALIVE_DISPOSED | InstanceState_NOT_ALIVE_NO_WRITERS
	// NotAliveInstanceState matches both NOT_ALIVE states.
	NotAliveInstanceState = InstanceState_NOT_ALIVE_DISPOSED | InstanceState_NOT_ALIVE_NO_WRITERS
)

// IsAlive returns true if the InstanceState is NEW or ALIVE.
func (s InstanceState) IsAlive() bool { return s&(InstanceState_NEW|InstanceState_ALIVE) != 0 }

// String returns a "|"-joined representation of the InstanceState flags.
func (s InstanceState) String() string {
	return flagString(uint8(s), []string{"NEW", "ALIVE", "NOT_ALIVE_DISPOSED", "NOT_ALIVE_NO_WRITERS"})
}

// ViewState tracks whether a reader has seen the current generation of an
// instance. Values are bit flags.
type ViewState uint8

const (
	ViewState_NEW ViewState = 1 << iota
	ViewState_NOT_NEW

	// AnyViewState matches every ViewState.
	AnyViewState = ViewState_NEW | ViewState_NOT_NEW
)

func (s ViewState) String() string { return flagString(uint8(s), []string{"NEW", "NOT_NEW"}) }

// SampleState tracks whether a sample was previously returned by a read.
// Values are bit flags.
type SampleState uint8

const (
	SampleState_READ SampleState = 1 << iota
	SampleState_NOT_READ

	// AnySampleState matches every SampleState.
	AnySampleState = SampleState_READ | SampleState_NOT_READ
)

func (s SampleState) String() string { return flagString(uint8(s), []string{"READ", "NOT_READ"}) }

// Disposition of an instance as carried by a sample: whether the instance
// is alive, was explicitly disposed, or has no remaining writers.
type Disposition uint8

const (
	Disposition_ALIVE Disposition = iota
	Disposition_DISPOSED
	Disposition_NO_WRITERS
)

func (d Disposition) String() string {
	switch d {
	case Disposition_ALIVE:
		return "ALIVE"
	case Disposition_DISPOSED:
		return "DISPOSED"
	case Disposition_NO_WRITERS:
		return "NO_WRITERS"
	default:
		return "INVALID"
	}
}

// InstanceState maps the Disposition to its corresponding InstanceState.
func (d Disposition) InstanceState() InstanceState {
	switch d {
	case Disposition_DISPOSED:
		return InstanceState_NOT_ALIVE_DISPOSED
	case Disposition_NO_WRITERS:
		return InstanceState_NOT_ALIVE_NO_WRITERS
	default:
		return InstanceState_ALIVE
	}
}

func flagString(v uint8, names []string) string {
	var parts []string
	for i, name := range names {
		if v&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}
