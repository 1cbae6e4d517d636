package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// FrameKind is the kind of a wire Frame.
type FrameKind uint8

const (
	FrameKind_INVALID FrameKind = iota
	// FrameKind_DATA carries a serialized sample of an instance.
	FrameKind_DATA
	// FrameKind_DISPOSE notifies that an instance was disposed. It carries
	// the instance key and its last-known payload.
	FrameKind_DISPOSE
	// FrameKind_UNREGISTER notifies that the writer unregistered an instance.
	FrameKind_UNREGISTER
	// FrameKind_ACK is sent by readers and cumulatively acknowledges every
	// sequence number less than or equal to Frame.Sequence.
	FrameKind_ACK
	// FrameKind_HEARTBEAT is sent by writers, and carries the range
	// [First, Sequence] of sequence numbers which remain available.
	// Sequence numbers below First were dropped and will never be sent.
	FrameKind_HEARTBEAT
	// FrameKind_HANDSHAKE opens a session from a writer to a reader.
	FrameKind_HANDSHAKE
	// FrameKind_ACCEPT is the reader's affirmative response to a HANDSHAKE.
	FrameKind_ACCEPT
	// FrameKind_REJECT is the reader's negative response to a HANDSHAKE.
	FrameKind_REJECT
	// FrameKind_CLOSE notifies the peer of an orderly session shutdown.
	FrameKind_CLOSE

	numFrameKinds
)

var frameKindNames = []string{"INVALID", "DATA", "DISPOSE", "UNREGISTER",
	"ACK", "HEARTBEAT", "HANDSHAKE", "ACCEPT", "REJECT", "CLOSE"}

func (k FrameKind) String() string {
	if k < numFrameKinds {
		return frameKindNames[k]
	}
	return "INVALID"
}

// IsSequenced returns true if frames of this kind are sequenced, buffered
// for retransmission, and delivered to the reader in order.
func (k FrameKind) IsSequenced() bool {
	return k == FrameKind_DATA || k == FrameKind_DISPOSE || k == FrameKind_UNREGISTER
}

// Disposition of a sequenced FrameKind.
func (k FrameKind) Disposition() Disposition {
	switch k {
	case FrameKind_DISPOSE:
		return Disposition_DISPOSED
	case FrameKind_UNREGISTER:
		return Disposition_NO_WRITERS
	default:
		return Disposition_ALIVE
	}
}

// Status is the outcome carried by a REJECT or CLOSE frame.
type Status uint8

const (
	Status_OK Status = iota
	Status_INCOMPATIBLE_TYPE
	Status_UNAUTHENTICATED
	Status_UNKNOWN_ENDPOINT
	Status_SHUTDOWN
)

// Err maps the Status to its corresponding error, or nil for Status_OK.
func (s Status) Err() error {
	switch s {
	case Status_OK:
		return nil
	case Status_INCOMPATIBLE_TYPE:
		return ErrIncompatibleType
	case Status_UNAUTHENTICATED:
		return ErrUnauthenticated
	case Status_UNKNOWN_ENDPOINT:
		return ErrNotFound
	default:
		return ErrSessionClosed
	}
}

// StatusOf maps an error to its Status.
func StatusOf(err error) Status {
	switch errors.Cause(err) {
	case nil:
		return Status_OK
	case ErrIncompatibleType:
		return Status_INCOMPATIBLE_TYPE
	case ErrUnauthenticated:
		return Status_UNAUTHENTICATED
	case ErrNotFound:
		return Status_UNKNOWN_ENDPOINT
	default:
		return Status_SHUTDOWN
	}
}

// Frame is a message exchanged between the writer and reader of a session.
// Fields are populated as appropriate to the Frame Kind.
type Frame struct {
	Kind FrameKind
	// Sequence number of a sequenced frame within its session. Sessions
	// number frames contiguously from the First sequence of their HANDSHAKE.
	// For ACK, the cumulative acknowledged sequence. For HEARTBEAT, the last
	// sequence sent.
	Sequence SequenceNumber
	// First is the first sequence of the session (HANDSHAKE), or the first
	// sequence still available for retransmission (HEARTBEAT).
	First SequenceNumber
	// Key of the instance of a sequenced frame.
	Key InstanceKey
	// Payload of the sample of a sequenced frame. It's compressed with the
	// session's CompressionCodec.
	Payload []byte
	// Timestamp is the source timestamp of a sequenced frame.
	Timestamp time.Time
	// SourceSequence is the topic sequence number assigned to a sequenced
	// frame by its writer. Unlike Sequence, it's preserved across sessions.
	SourceSequence SequenceNumber
	// Held is the last sequence which a reader has received, but holds
	// undelivered while its queue is full (ACK). It's zero if the reader
	// holds no frames.
	Held SequenceNumber

	// Writer and Reader endpoints of the session (HANDSHAKE, ACCEPT).
	Writer, Reader EndpointID
	// Topic of the session (HANDSHAKE).
	Topic Topic
	// TypeVersion of the writer's type (HANDSHAKE).
	TypeVersion uint32
	// Compression of payloads sent over the session (HANDSHAKE).
	Compression CompressionCodec
	// Token authenticating the writer (HANDSHAKE).
	Token string
	// Status and Reason of REJECT and CLOSE.
	Status Status
	Reason string
}

// Validate returns an error if the Frame is not well-formed for its Kind.
func (f *Frame) Validate() error {
	switch f.Kind {
	case FrameKind_DATA, FrameKind_DISPOSE, FrameKind_UNREGISTER:
		if f.Sequence == 0 {
			return NewValidationError("expected Sequence")
		}
	case FrameKind_ACK:
		if f.Held != 0 && f.Held <= f.Sequence {
			return NewValidationError("invalid Held (%d; expected 0 or > Sequence (%d))",
				f.Held, f.Sequence)
		}
	case FrameKind_CLOSE:
		// Pass.
	case FrameKind_HEARTBEAT:
		if f.First == 0 || f.First > f.Sequence+1 {
			return NewValidationError("invalid First (%d; expected 0 < First <= Sequence+1 (%d))",
				f.First, f.Sequence+1)
		}
	case FrameKind_HANDSHAKE:
		if f.Writer.IsZero() || f.Reader.IsZero() {
			return NewValidationError("expected Writer and Reader")
		} else if err := f.Topic.Validate(); err != nil {
			return ExtendContext(err, "Topic")
		} else if f.First == 0 {
			return NewValidationError("expected First")
		} else if err = f.Compression.Validate(); err != nil {
			return err
		}
	case FrameKind_ACCEPT:
		if f.Writer.IsZero() || f.Reader.IsZero() {
			return NewValidationError("expected Writer and Reader")
		}
	case FrameKind_REJECT:
		if f.Status == Status_OK {
			return NewValidationError("expected non-OK Status")
		}
	default:
		return NewValidationError("invalid Kind (%d)", f.Kind)
	}
	return nil
}

// Field numbers of the encoded Frame body.
const (
	fieldKind protowire.Number = iota + 1
	fieldSequence
	fieldFirst
	fieldKey
	fieldPayload
	fieldTimestamp
	fieldWriter
	fieldReader
	fieldTopicName
	fieldTopicType
	fieldTypeVersion
	fieldCompression
	fieldToken
	fieldStatus
	fieldReason
	fieldSourceSequence
	fieldHeld
)

// FrameHeaderLength is the number of leading header bytes of each frame:
// A 4-byte magic word followed by a little-endian uint32 body length.
const FrameHeaderLength = 8

// MaxFrameLength bounds the body length of a decoded frame.
var MaxFrameLength = 1 << 26

// AppendFrame encodes the Frame by appending into buffer |b|, which will be
// grown if needed and returned.
func AppendFrame(b []byte, f *Frame) []byte {
	var offset = len(b)
	b = append(b, magicWord[0], magicWord[1], magicWord[2], magicWord[3], 0, 0, 0, 0)

	b = appendVarint(b, fieldKind, uint64(f.Kind))
	b = appendVarint(b, fieldSequence, uint64(f.Sequence))
	b = appendVarint(b, fieldFirst, uint64(f.First))
	b = appendBytes(b, fieldKey, f.Key)
	b = appendBytes(b, fieldPayload, f.Payload)
	if !f.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(f.Timestamp.UnixNano()))
	}
	if !f.Writer.IsZero() {
		b = appendBytes(b, fieldWriter, f.Writer[:])
	}
	if !f.Reader.IsZero() {
		b = appendBytes(b, fieldReader, f.Reader[:])
	}
	b = appendBytes(b, fieldTopicName, []byte(f.Topic.Name))
	b = appendBytes(b, fieldTopicType, []byte(f.Topic.TypeName))
	b = appendVarint(b, fieldTypeVersion, uint64(f.TypeVersion))
	b = appendVarint(b, fieldCompression, uint64(f.Compression))
	b = appendBytes(b, fieldToken, []byte(f.Token))
	b = appendVarint(b, fieldStatus, uint64(f.Status))
	b = appendBytes(b, fieldReason, []byte(f.Reason))
	b = appendVarint(b, fieldSourceSequence, uint64(f.SourceSequence))
	b = appendVarint(b, fieldHeld, uint64(f.Held))

	binary.LittleEndian.PutUint32(b[offset+4:offset+8], uint32(len(b)-offset-FrameHeaderLength))
	return b
}

// UnpackFrame returns the next frame of content from the Reader, including
// the frame header. The returned slice may reference the Reader's internal
// buffer, and is invalidated by the next Reader operation. If the magic word
// is not detected, ErrDesyncDetected is returned: frames are exchanged over
// reliable streams, and a desync is not recoverable.
func UnpackFrame(r *bufio.Reader) ([]byte, error) {
	var b, err = r.Peek(FrameHeaderLength)

	if err != nil {
		// If we read at least one byte, then an EOF is unexpected (it should
		// occur only on whole-frame boundaries).
		if err == io.EOF && len(b) != 0 {
			err = io.ErrUnexpectedEOF
		}
		if err != io.EOF {
			err = errors.Wrap(err, "Peek(FrameHeaderLength)")
		}
		return nil, err
	}
	if !matchesMagicWord(b) {
		return nil, ErrDesyncDetected
	}

	var length = int(binary.LittleEndian.Uint32(b[4:]))
	if length > MaxFrameLength {
		return nil, errors.Errorf("frame length %d exceeds maximum %d", length, MaxFrameLength)
	}
	var size = FrameHeaderLength + length

	// Fast path: the full frame is available in the buffer. Return the
	// buffer's internal slice without copying.
	if b, err = r.Peek(size); err == nil {
		_, _ = r.Discard(size)
		return b, nil
	}

	// Slow path. Allocate and attempt to Read the full frame.
	b = make([]byte, size)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "io.ReadFull")
	}
	return b, nil
}

// UnmarshalFrame verifies the frame header and decodes its fields into
// |f|, which is reset. Decoded byte fields never alias |b|.
func UnmarshalFrame(b []byte, f *Frame) error {
	if len(b) < FrameHeaderLength || !matchesMagicWord(b) {
		return ErrDesyncDetected
	} else if l := int(binary.LittleEndian.Uint32(b[4:])); l != len(b)-FrameHeaderLength {
		return errors.Errorf("frame length mismatch (header %d; have %d)", l, len(b)-FrameHeaderLength)
	}
	*f = Frame{}
	b = b[FrameHeaderLength:]

	for len(b) != 0 {
		var num, typ, n = protowire.ConsumeTag(b)
		if n < 0 {
			return errors.WithMessage(protowire.ParseError(n), "frame tag")
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			var v uint64
			if v, n = protowire.ConsumeVarint(b); n < 0 {
				return errors.WithMessagef(protowire.ParseError(n), "frame field %d", num)
			}
			switch num {
			case fieldKind:
				f.Kind = FrameKind(v)
			case fieldSequence:
				f.Sequence = SequenceNumber(v)
			case fieldFirst:
				f.First = SequenceNumber(v)
			case fieldTimestamp:
				f.Timestamp = time.Unix(0, protowire.DecodeZigZag(v))
			case fieldTypeVersion:
				f.TypeVersion = uint32(v)
			case fieldCompression:
				f.Compression = CompressionCodec(v)
			case fieldStatus:
				f.Status = Status(v)
			case fieldSourceSequence:
				f.SourceSequence = SequenceNumber(v)
			case fieldHeld:
				f.Held = SequenceNumber(v)
			}
		case protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n < 0 {
				return errors.WithMessagef(protowire.ParseError(n), "frame field %d", num)
			}
			switch num {
			case fieldKey:
				f.Key = append(InstanceKey(nil), v...)
			case fieldPayload:
				f.Payload = append([]byte(nil), v...)
			case fieldWriter:
				copy(f.Writer[:], v)
			case fieldReader:
				copy(f.Reader[:], v)
			case fieldTopicName:
				f.Topic.Name = string(v)
			case fieldTopicType:
				f.Topic.TypeName = string(v)
			case fieldToken:
				f.Token = string(v)
			case fieldReason:
				f.Reason = string(v)
			}
		default:
			// Skip fields of unexpected wire types.
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return errors.WithMessagef(protowire.ParseError(n), "frame field %d", num)
			}
		}
		b = b[n:]
	}
	return nil
}

// MatchesMagicWord returns true if |b| begins with the frame magic word.
// It's used to multiplex frame streams with other protocols over a listener.
func MatchesMagicWord(b []byte) bool { return len(b) >= 4 && matchesMagicWord(b) }

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func matchesMagicWord(b []byte) bool {
	return b[0] == magicWord[0] && b[1] == magicWord[1] && b[2] == magicWord[2] && b[3] == magicWord[3]
}

// magicWord precedes all frame encodings.
var magicWord = [4]byte{0x64, 0x64, 0x73, 0xf1}
