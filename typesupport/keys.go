package typesupport

import (
	"github.com/jgraettinger/cockroach-encoding/encoding"
	pb "go.gazette.dev/dds/protocol"
)

// KeyBuilder composes an InstanceKey from a sequence of key field values.
// Fields are encoded such that the byte-wise order of built keys matches the
// natural order of their field values, compared field by field. Methods
// return an extended KeyBuilder, and a KeyBuilder must be extended at most once.
type KeyBuilder struct{ b []byte }

// String appends a string key field.
func (kb KeyBuilder) String(s string) KeyBuilder {
	return KeyBuilder{encoding.EncodeStringAscending(kb.b, s)}
}

// Bytes appends a bytes key field.
func (kb KeyBuilder) Bytes(b []byte) KeyBuilder {
	return KeyBuilder{encoding.EncodeBytesAscending(kb.b, b)}
}

// Int appends an integer key field.
func (kb KeyBuilder) Int(v int64) KeyBuilder {
	return KeyBuilder{encoding.EncodeVarintAscending(kb.b, v)}
}

// Float appends a floating-point key field.
func (kb KeyBuilder) Float(v float64) KeyBuilder {
	return KeyBuilder{encoding.EncodeFloatAscending(kb.b, v)}
}

// Null appends a key field having no value.
func (kb KeyBuilder) Null() KeyBuilder {
	return KeyBuilder{encoding.EncodeNullAscending(kb.b)}
}

// Key returns the built InstanceKey.
func (kb KeyBuilder) Key() pb.InstanceKey { return pb.InstanceKey(kb.b) }

// StringKey is a convenience for the InstanceKey of a single string field.
func StringKey(s string) pb.InstanceKey { return KeyBuilder{}.String(s).Key() }
