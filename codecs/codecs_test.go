package codecs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/dds/protocol"
)

func TestRoundTripCases(t *testing.T) {
	var content = bytes.Repeat([]byte("message data 0, message data 1, "), 64)

	for _, codec := range []pb.CompressionCodec{
		pb.CompressionCodec_NONE,
		pb.CompressionCodec_SNAPPY,
		pb.CompressionCodec_ZSTANDARD,
		pb.CompressionCodec_GZIP,
	} {
		var enc, err = Compress(codec, content)
		require.NoError(t, err)

		if codec != pb.CompressionCodec_NONE {
			require.Less(t, len(enc), len(content), codec.String())
		}
		dec, err := Decompress(codec, enc)
		require.NoError(t, err)
		require.Equal(t, content, dec, codec.String())

		// Empty payloads round-trip as well.
		enc, err = Compress(codec, nil)
		require.NoError(t, err)
		dec, err = Decompress(codec, enc)
		require.NoError(t, err)
		require.Empty(t, dec)
	}
}

func TestCorruptAndUnknownCodecs(t *testing.T) {
	for _, codec := range []pb.CompressionCodec{
		pb.CompressionCodec_SNAPPY,
		pb.CompressionCodec_ZSTANDARD,
		pb.CompressionCodec_GZIP,
	} {
		var _, err = Decompress(codec, []byte("not a valid encoding"))
		require.Error(t, err, codec.String())
	}

	var _, err = Compress(pb.CompressionCodec(42), nil)
	require.EqualError(t, err, "unsupported codec invalid")
	_, err = Decompress(pb.CompressionCodec(42), nil)
	require.EqualError(t, err, "unsupported codec invalid")
}
