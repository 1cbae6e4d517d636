package typesupport

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	pb "go.gazette.dev/dds/protocol"
)

// BinaryCodec is a Codec of values of type T, which are encoded as
// protobuf wire-format fields by user-provided functions. Values passed to
// Serialize and ExtractKey may be T or *T. Deserialize returns a T.
type BinaryCodec[T any] struct {
	// Append encodes fields of |v| into |b|, returning the extended slice.
	Append func(b []byte, v *T) []byte
	// Consume decodes fields of |b| into |v|.
	Consume func(b []byte, v *T) error
	// Key returns the InstanceKey of |v|. If nil, the type is keyless.
	Key func(v *T) pb.InstanceKey
	// TypeVersion of the encoding.
	TypeVersion uint32
}

func (c BinaryCodec[T]) Serialize(v interface{}) ([]byte, error) {
	var t, err = valueOf[T](v)
	if err != nil {
		return nil, err
	}
	return c.Append(nil, t), nil
}

func (c BinaryCodec[T]) Deserialize(b []byte) (interface{}, error) {
	var t T
	if err := c.Consume(b, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c BinaryCodec[T]) ExtractKey(v interface{}) (pb.InstanceKey, error) {
	var t, err = valueOf[T](v)
	if err != nil {
		return nil, err
	} else if c.Key == nil {
		return pb.InstanceKey{}, nil
	}
	return c.Key(t), nil
}

func (c BinaryCodec[T]) Version() uint32 { return c.TypeVersion }

// JSONCodec is a Codec of values of type T which are encoded as JSON.
// Instance keys are extracted from the encoded document using gjson
// KeyPaths, and composed with a KeyBuilder. Values passed to Serialize and
// ExtractKey may be T or *T. Deserialize returns a T.
type JSONCodec[T any] struct {
	// KeyPaths locate key fields within the encoded document, such as
	// "id" or "sensor.region". Empty KeyPaths denote a keyless type.
	KeyPaths []string
	// TypeVersion of the encoding.
	TypeVersion uint32
}

func (c JSONCodec[T]) Serialize(v interface{}) ([]byte, error) {
	var t, err = valueOf[T](v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func (c JSONCodec[T]) Deserialize(b []byte) (interface{}, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c JSONCodec[T]) ExtractKey(v interface{}) (pb.InstanceKey, error) {
	if len(c.KeyPaths) == 0 {
		if _, err := valueOf[T](v); err != nil {
			return nil, err
		}
		return pb.InstanceKey{}, nil
	}
	var doc, err = c.Serialize(v)
	if err != nil {
		return nil, err
	}

	var kb KeyBuilder
	for _, path := range c.KeyPaths {
		var r = gjson.GetBytes(doc, path)

		switch r.Type {
		case gjson.Null:
			if !r.Exists() {
				return nil, errors.Errorf("key path %q not found", path)
			}
			kb = kb.Null()
		case gjson.False:
			kb = kb.Int(0)
		case gjson.True:
			kb = kb.Int(1)
		case gjson.Number:
			if r.Num == math.Trunc(r.Num) && math.Abs(r.Num) < 1<<53 {
				kb = kb.Int(r.Int())
			} else {
				kb = kb.Float(r.Num)
			}
		case gjson.String:
			kb = kb.String(r.Str)
		default:
			kb = kb.Bytes([]byte(r.Raw))
		}
	}
	return kb.Key(), nil
}

func (c JSONCodec[T]) Version() uint32 { return c.TypeVersion }

func valueOf[T any](v interface{}) (*T, error) {
	switch vv := v.(type) {
	case T:
		return &vv, nil
	case *T:
		if vv == nil {
			return nil, errors.Errorf("unexpected nil %T", v)
		}
		return vv, nil
	default:
		var zero T
		return nil, errors.Errorf("unexpected value type %T (expected %T)", v, zero)
	}
}
