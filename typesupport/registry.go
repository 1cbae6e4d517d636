// Package typesupport maps logical type names to the codecs which serialize
// samples of the type and extract their instance keys.
package typesupport

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	pb "go.gazette.dev/dds/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec serializes and deserializes values of a data type, and extracts
// the InstanceKey of a value. Serialize must be deterministic: equal values
// produce equal encodings.
type Codec interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(b []byte) (interface{}, error)
	ExtractKey(v interface{}) (pb.InstanceKey, error)
	// Version of the type's encoding. Sessions between endpoints having
	// different Versions of a type fail with ErrIncompatibleType.
	Version() uint32
}

// Funcs is a Codec of plain functions. A nil ExtractKeyFn denotes a keyless
// type, all values of which share the empty InstanceKey.
type Funcs struct {
	SerializeFn   func(v interface{}) ([]byte, error)
	DeserializeFn func(b []byte) (interface{}, error)
	ExtractKeyFn  func(v interface{}) (pb.InstanceKey, error)
	TypeVersion   uint32
}

func (f Funcs) Serialize(v interface{}) ([]byte, error)   { return f.SerializeFn(v) }
func (f Funcs) Deserialize(b []byte) (interface{}, error) { return f.DeserializeFn(b) }
func (f Funcs) Version() uint32                           { return f.TypeVersion }

func (f Funcs) ExtractKey(v interface{}) (pb.InstanceKey, error) {
	if f.ExtractKeyFn == nil {
		return pb.InstanceKey{}, nil
	}
	return f.ExtractKeyFn(v)
}

// Registry maps type names to their Codecs. It's safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Codec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{types: make(map[string]Codec)} }

// Register the Codec of |typeName|. Registering a name again replaces its
// Codec.
func (r *Registry) Register(typeName string, codec Codec) error {
	if err := pb.ValidateToken(typeName, 1, 256); err != nil {
		return pb.ExtendContext(err, "typeName")
	} else if codec == nil {
		return pb.NewValidationError("expected Codec")
	}
	r.mu.Lock()
	r.types[typeName] = codec
	r.mu.Unlock()
	return nil
}

// RegisterFuncs registers |typeName| with a Codec of the given functions.
func (r *Registry) RegisterFuncs(
	typeName string,
	serialize func(interface{}) ([]byte, error),
	deserialize func([]byte) (interface{}, error),
	extractKey func(interface{}) (pb.InstanceKey, error),
) error {
	if serialize == nil || deserialize == nil {
		return pb.NewValidationError("expected serialize and deserialize functions")
	}
	return r.Register(typeName, Funcs{
		SerializeFn:   serialize,
		DeserializeFn: deserialize,
		ExtractKeyFn:  extractKey,
	})
}

// Lookup the Codec of |typeName|, or return ErrUnknownType.
func (r *Registry) Lookup(typeName string) (Codec, error) {
	r.mu.RLock()
	var codec, ok = r.types[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WithMessagef(pb.ErrUnknownType, "type %q", typeName)
	}
	return codec, nil
}

// TypeNames returns the sorted names of registered types.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out = make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Serialize |v| as |typeName|. The returned encoding is length-delimited.
func (r *Registry) Serialize(typeName string, v interface{}) ([]byte, error) {
	var codec, err = r.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	body, err := codec.Serialize(v)
	if err != nil {
		return nil, errors.WithMessagef(err, "serializing %s", typeName)
	}
	return AppendDelimited(nil, body), nil
}

// Deserialize the length-delimited encoding |b| as |typeName|. |b| must
// hold exactly one encoded value.
func (r *Registry) Deserialize(typeName string, b []byte) (interface{}, error) {
	var codec, err = r.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	body, n, err := ConsumeDelimited(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "deserializing %s", typeName)
	} else if n != len(b) {
		return nil, errors.Errorf("deserializing %s: unexpected %d trailing bytes", typeName, len(b)-n)
	}
	v, err := codec.Deserialize(body)
	if err != nil {
		return nil, errors.WithMessagef(err, "deserializing %s", typeName)
	}
	return v, nil
}

// ExtractKey returns the InstanceKey of |v| as |typeName|.
func (r *Registry) ExtractKey(typeName string, v interface{}) (pb.InstanceKey, error) {
	var codec, err = r.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	key, err := codec.ExtractKey(v)
	if err != nil {
		return nil, errors.WithMessagef(err, "extracting key of %s", typeName)
	}
	return key, nil
}

// AppendDelimited appends |body| to |b| with a varint length prefix.
func AppendDelimited(b, body []byte) []byte { return protowire.AppendBytes(b, body) }

// ConsumeDelimited parses a length-delimited body from the front of |b|,
// returning the body and the total number of bytes consumed. A stream of
// concatenated encodings is segmented by repeated calls.
func ConsumeDelimited(b []byte) ([]byte, int, error) {
	var body, n = protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errors.WithMessage(protowire.ParseError(n), "length-delimited value")
	}
	return body, n, nil
}
