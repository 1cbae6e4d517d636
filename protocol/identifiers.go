package protocol

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Topic is a named, typed channel of data distribution. A Topic is immutable
// once created.
type Topic struct {
	// Name of the Topic, eg "Example HelloWorld".
	Name string `json:"name" yaml:"name"`
	// TypeName of the data type published over the Topic, as registered
	// with the Type Registry.
	TypeName string `json:"type" yaml:"type"`
}

// Validate returns an error if the Topic is not well-formed.
func (t Topic) Validate() error {
	if err := ValidateToken(t.Name, minNameLen, maxNameLen); err != nil {
		return ExtendContext(err, "Name")
	} else if err = ValidateToken(t.TypeName, minNameLen, maxNameLen); err != nil {
		return ExtendContext(err, "TypeName")
	}
	return nil
}

// String returns the Topic as "name<type>".
func (t Topic) String() string { return t.Name + "<" + t.TypeName + ">" }

// EndpointID uniquely identifies a Writer or Reader endpoint.
type EndpointID uuid.UUID

// NewEndpointID returns a new, random EndpointID.
func NewEndpointID() EndpointID { return EndpointID(uuid.New()) }

// ParseEndpointID parses the canonical string form of an EndpointID.
func ParseEndpointID(s string) (EndpointID, error) {
	var id, err = uuid.Parse(s)
	if err != nil {
		return EndpointID{}, errors.WithMessagef(err, "parsing EndpointID %q", s)
	}
	return EndpointID(id), nil
}

// String returns the canonical form of the EndpointID.
func (id EndpointID) String() string { return uuid.UUID(id).String() }

// IsZero returns true if the EndpointID is unset.
func (id EndpointID) IsZero() bool { return id == EndpointID{} }

// MarshalText implements encoding.TextMarshaler.
func (id EndpointID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EndpointID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// InstanceKey is the ordered byte encoding of a sample's key fields. Equality
// and ordering of InstanceKeys are byte-wise. Samples of keyless types share
// the empty InstanceKey, and hence a single instance.
type InstanceKey []byte

// Compare returns -1, 0, or 1 as |k| is less than, equal to, or greater than |other|.
func (k InstanceKey) Compare(other InstanceKey) int { return bytes.Compare(k, other) }

// Equal returns true if the InstanceKeys are byte-wise equal.
func (k InstanceKey) Equal(other InstanceKey) bool { return bytes.Equal(k, other) }

// String returns a hex encoding of the InstanceKey.
func (k InstanceKey) String() string { return hex.EncodeToString(k) }

// InstanceHandle is an opaque identifier of an instance, unique within a topic.
type InstanceHandle uint64

// HandleNil is the zero-valued InstanceHandle which identifies no instance.
const HandleNil InstanceHandle = 0

// SequenceNumber orders frames published by a writer. Valid SequenceNumbers
// begin at one. Zero indicates "no sequence".
type SequenceNumber uint64
