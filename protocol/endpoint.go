package protocol

import (
	"net"
	"strings"
)

// EndpointKind distinguishes Writer and Reader endpoints.
type EndpointKind uint8

const (
	EndpointKind_INVALID EndpointKind = iota
	EndpointKind_WRITER
	EndpointKind_READER
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointKind_WRITER:
		return "writer"
	case EndpointKind_READER:
		return "reader"
	default:
		return "invalid"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EndpointKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EndpointKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "writer":
		*k = EndpointKind_WRITER
	case "reader":
		*k = EndpointKind_READER
	default:
		return NewValidationError("invalid EndpointKind (%s)", b)
	}
	return nil
}

// EndpointSpec describes a Writer or Reader endpoint, as announced for
// discovery and matching.
type EndpointSpec struct {
	// ID of the endpoint.
	ID EndpointID `json:"id"`
	// Kind of the endpoint.
	Kind EndpointKind `json:"kind"`
	// Topic the endpoint publishes or subscribes to.
	Topic Topic `json:"topic"`
	// TypeVersion of the endpoint's registered type. Endpoints having equal
	// Topics but different TypeVersions are matched, but their sessions fail
	// handshake with ErrIncompatibleType.
	TypeVersion uint32 `json:"typeVersion"`
	// Participant is the name of the owning participant.
	Participant string `json:"participant"`
	// Locator is the "host:port" address at which the owning participant
	// accepts sessions. It's empty for endpoints which don't accept remote
	// sessions.
	Locator string `json:"locator,omitempty"`
}

// Validate returns an error if the EndpointSpec is not well-formed.
func (s EndpointSpec) Validate() error {
	if s.ID.IsZero() {
		return NewValidationError("expected ID")
	} else if s.Kind != EndpointKind_WRITER && s.Kind != EndpointKind_READER {
		return NewValidationError("invalid Kind (%d)", s.Kind)
	} else if err := s.Topic.Validate(); err != nil {
		return ExtendContext(err, "Topic")
	} else if err = ValidateToken(s.Participant, minNameLen, maxNameLen); err != nil {
		return ExtendContext(err, "Participant")
	} else if s.Locator == "" {
		// Pass.
	} else if _, _, err = net.SplitHostPort(s.Locator); err != nil {
		return NewValidationError("invalid Locator (%s): %s", s.Locator, err)
	}
	return nil
}

// Matches returns true if |s| and |other| are a Writer and Reader pair of
// the same Topic (name and type).
func (s EndpointSpec) Matches(other EndpointSpec) bool {
	return s.Kind != other.Kind &&
		s.Kind != EndpointKind_INVALID && other.Kind != EndpointKind_INVALID &&
		s.Topic == other.Topic
}

// CompressionCodec of frame payloads, negotiated per session.
type CompressionCodec uint8

const (
	CompressionCodec_NONE CompressionCodec = iota
	CompressionCodec_SNAPPY
	CompressionCodec_ZSTANDARD
	CompressionCodec_GZIP
)

var compressionCodecNames = []string{"none", "snappy", "zstandard", "gzip"}

func (c CompressionCodec) String() string {
	if int(c) < len(compressionCodecNames) {
		return compressionCodecNames[c]
	}
	return "invalid"
}

// Validate returns an error if the CompressionCodec is not known.
func (c CompressionCodec) Validate() error {
	if int(c) >= len(compressionCodecNames) {
		return NewValidationError("invalid CompressionCodec (%d)", c)
	}
	return nil
}

// ParseCompressionCodec parses the String form of a CompressionCodec.
// The empty string parses as CompressionCodec_NONE.
func ParseCompressionCodec(s string) (CompressionCodec, error) {
	if s == "" {
		return CompressionCodec_NONE, nil
	}
	for i, name := range compressionCodecNames {
		if strings.EqualFold(s, name) {
			return CompressionCodec(i), nil
		}
	}
	return 0, NewValidationError("invalid CompressionCodec (%s)", s)
}

// MarshalYAML encodes the CompressionCodec by name.
func (c CompressionCodec) MarshalYAML() (interface{}, error) { return c.String(), nil }

// UnmarshalYAML decodes the CompressionCodec by name.
func (c *CompressionCodec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	var cc, err = ParseCompressionCodec(s)
	if err != nil {
		return err
	}
	*c = cc
	return nil
}
