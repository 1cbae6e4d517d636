// Package codecs compresses and decompresses frame payloads with the
// CompressionCodec negotiated by a session.
package codecs

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	pb "go.gazette.dev/dds/protocol"
)

// Compress returns |src| encoded with the CompressionCodec. For
// CompressionCodec_NONE, or if |src| is empty, |src| is returned unmodified.
func Compress(codec pb.CompressionCodec, src []byte) ([]byte, error) {
	if len(src) == 0 && codec.Validate() == nil {
		return src, nil
	}
	switch codec {
	case pb.CompressionCodec_NONE:
		return src, nil
	case pb.CompressionCodec_SNAPPY:
		return snappy.Encode(nil, src), nil
	case pb.CompressionCodec_ZSTANDARD:
		return zstdEncoder().EncodeAll(src, nil), nil
	case pb.CompressionCodec_GZIP:
		var buf bytes.Buffer
		var w = gzipWriters.Get().(*gzip.Writer)
		defer gzipWriters.Put(w)
		w.Reset(&buf)

		if _, err := w.Write(src); err != nil {
			return nil, err
		} else if err = w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec.String())
	}
}

// Decompress returns the decoding of |src|, which was encoded with the
// CompressionCodec. Empty |src| decodes as empty.
func Decompress(codec pb.CompressionCodec, src []byte) ([]byte, error) {
	if len(src) == 0 && codec.Validate() == nil {
		return src, nil
	}
	switch codec {
	case pb.CompressionCodec_NONE:
		return src, nil
	case pb.CompressionCodec_SNAPPY:
		return snappy.Decode(nil, src)
	case pb.CompressionCodec_ZSTANDARD:
		return zstdDecoder().DecodeAll(src, nil)
	case pb.CompressionCodec_GZIP:
		var r, err = gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec.String())
	}
}

var (
	gzipWriters = sync.Pool{New: func() interface{} { return gzip.NewWriter(nil) }}

	// EncodeAll and DecodeAll may be called concurrently, so a single
	// Encoder and Decoder serve all sessions.
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		var enc, err = zstd.NewWriter(nil)
		if err != nil {
			panic(err) // Only errors on invalid options.
		}
		return enc
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		var dec, err = zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		return dec
	})
)
