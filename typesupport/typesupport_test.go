package typesupport

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/dds/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

type shape struct {
	Color string `json:"color"`
	X, Y  int64
	Meta  struct {
		Region string  `json:"region"`
		Weight float64 `json:"weight"`
	} `json:"meta"`
}

var shapeCodec = BinaryCodec[shape]{
	Append: func(b []byte, v *shape) []byte {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, v.Color)
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.X))
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.Y))
	},
	Consume: func(b []byte, v *shape) error {
		for len(b) != 0 {
			var num, typ, n = protowire.ConsumeTag(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]

			if typ == protowire.BytesType {
				var s string
				s, n = protowire.ConsumeString(b)
				v.Color = s
			} else {
				var u uint64
				u, n = protowire.ConsumeVarint(b)
				if num == 2 {
					v.X = protowire.DecodeZigZag(u)
				} else {
					v.Y = protowire.DecodeZigZag(u)
				}
			}
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
		return nil
	},
	Key:         func(v *shape) pb.InstanceKey { return StringKey(v.Color) },
	TypeVersion: 2,
}

func TestRegistryRoundTripAndKeys(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.Register("ShapeType", shapeCodec))

	var in = shape{Color: "BLUE", X: -12, Y: 40}

	var b, err = reg.Serialize("ShapeType", in)
	require.NoError(t, err)
	out, err := reg.Deserialize("ShapeType", b)
	require.NoError(t, err)
	require.Equal(t, in, out)

	// Serialization is deterministic, and pointers serialize as values.
	b2, err := reg.Serialize("ShapeType", &in)
	require.NoError(t, err)
	require.Equal(t, b, b2)

	key, err := reg.ExtractKey("ShapeType", &in)
	require.NoError(t, err)
	require.Equal(t, StringKey("BLUE"), key)

	codec, err := reg.Lookup("ShapeType")
	require.NoError(t, err)
	require.Equal(t, uint32(2), codec.Version())

	// Values of the wrong type are errors.
	_, err = reg.Serialize("ShapeType", "not a shape")
	require.EqualError(t, err,
		"serializing ShapeType: unexpected value type string (expected typesupport.shape)")
}

func TestRegistryUnknownTypes(t *testing.T) {
	var reg = NewRegistry()

	var _, err = reg.Serialize("Missing", 1)
	require.Equal(t, pb.ErrUnknownType, errors.Cause(err))
	_, err = reg.Deserialize("Missing", []byte{0})
	require.Equal(t, pb.ErrUnknownType, errors.Cause(err))
	_, err = reg.ExtractKey("Missing", 1)
	require.Equal(t, pb.ErrUnknownType, errors.Cause(err))
	require.EqualError(t, err, `type "Missing": unknown type`)

	require.Error(t, reg.Register("bad#name", shapeCodec))
	require.Error(t, reg.RegisterFuncs("Nope", nil, nil, nil))
}

func TestRegisterFuncs(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.RegisterFuncs("Bytes",
		func(v interface{}) ([]byte, error) { return v.([]byte), nil },
		func(b []byte) (interface{}, error) { return append([]byte(nil), b...), nil },
		nil, // Keyless.
	))
	require.Equal(t, []string{"Bytes"}, reg.TypeNames())

	var b, err = reg.Serialize("Bytes", []byte("hello"))
	require.NoError(t, err)
	v, err := reg.Deserialize("Bytes", b)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	key, err := reg.ExtractKey("Bytes", []byte("hello"))
	require.NoError(t, err)
	require.Empty(t, key)

	// Trailing content after a delimited value is an error.
	_, err = reg.Deserialize("Bytes", append(b, 0x01))
	require.EqualError(t, err, "deserializing Bytes: unexpected 1 trailing bytes")
}

func TestDelimitedStreamSegmentation(t *testing.T) {
	var reg = NewRegistry()
	require.NoError(t, reg.Register("ShapeType", shapeCodec))

	var stream []byte
	var inputs = []shape{{Color: "RED", X: 1}, {Color: "", Y: -1}, {Color: "GREEN", X: 1 << 40}}
	for _, in := range inputs {
		var b, err = reg.Serialize("ShapeType", in)
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	for _, expect := range inputs {
		var _, n, err = ConsumeDelimited(stream)
		require.NoError(t, err)

		out, err := reg.Deserialize("ShapeType", stream[:n])
		require.NoError(t, err)
		require.Equal(t, expect, out)
		stream = stream[n:]
	}
	require.Empty(t, stream)

	// A truncated stream fails to parse.
	var b, _ = reg.Serialize("ShapeType", inputs[0])
	var _, _, err = ConsumeDelimited(b[:len(b)-1])
	require.Error(t, err)
}

func TestJSONCodecKeyExtraction(t *testing.T) {
	var codec = JSONCodec[shape]{KeyPaths: []string{"meta.region", "color", "X", "meta.weight"}}

	var s shape
	s.Color, s.X = "RED", 3
	s.Meta.Region, s.Meta.Weight = "east", 1.5

	var key, err = codec.ExtractKey(s)
	require.NoError(t, err)
	require.Equal(t, KeyBuilder{}.String("east").String("RED").Int(3).Float(1.5).Key(), key)

	b, err := codec.Serialize(&s)
	require.NoError(t, err)
	out, err := codec.Deserialize(b)
	require.NoError(t, err)
	require.Equal(t, s, out)

	_, err = JSONCodec[shape]{KeyPaths: []string{"missing"}}.ExtractKey(s)
	require.EqualError(t, err, `key path "missing" not found`)

	key, err = JSONCodec[shape]{}.ExtractKey(s)
	require.NoError(t, err)
	require.Empty(t, key)
}

func TestKeyOrderingIsPreserved(t *testing.T) {
	var ordered = []pb.InstanceKey{
		KeyBuilder{}.Null().Key(),
		KeyBuilder{}.Int(-5).Key(),
		KeyBuilder{}.Int(2).Key(),
		KeyBuilder{}.Int(300).Key(),
	}
	for i := 1; i != len(ordered); i++ {
		require.Equal(t, -1, ordered[i-1].Compare(ordered[i]))
	}

	ordered = []pb.InstanceKey{
		KeyBuilder{}.String("a").Int(9).Key(),
		KeyBuilder{}.String("a").Int(10).Key(),
		KeyBuilder{}.String("ab").Int(0).Key(),
		KeyBuilder{}.String("b").Key(),
	}
	for i := 1; i != len(ordered); i++ {
		require.Equal(t, -1, ordered[i-1].Compare(ordered[i]))
	}
	require.True(t, StringKey("default").Equal(KeyBuilder{}.String("default").Key()))
}
