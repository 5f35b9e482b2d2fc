// Package codec serializes persisted records as msgpack, transparently
// zlib-compressing payloads above a size threshold. Every encoded record is
// prefixed with a one-byte format tag so readers can tell compressed from
// raw without guessing.
package codec

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"

	"github.com/timekeeperhq/trackstore/internal/model"
)

// Format tags. The tag byte is part of the stored format; do not renumber.
const (
	tagRaw        byte = 0x01
	tagCompressed byte = 0x02
)

// DefaultCompressMin is the payload size at which compression kicks in.
const DefaultCompressMin = 1024

// Codec encodes and decodes persisted records. Compression work is bounded
// by a weighted semaphore so a burst of large exports cannot monopolize CPU.
type Codec struct {
	compressMin int
	level       int
	workers     *semaphore.Weighted
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressMin sets the byte size above which payloads are compressed.
// Zero disables compression entirely.
func WithCompressMin(n int) Option {
	return func(c *Codec) { c.compressMin = n }
}

// WithCompressionLevel sets the zlib level (zlib.BestSpeed..zlib.BestCompression).
func WithCompressionLevel(level int) Option {
	return func(c *Codec) { c.level = level }
}

// WithWorkers bounds concurrent compression jobs.
func WithWorkers(n int64) Option {
	return func(c *Codec) { c.workers = semaphore.NewWeighted(n) }
}

// New returns a codec with the default threshold, default zlib level and
// four compression workers.
func New(opts ...Option) *Codec {
	c := &Codec{
		compressMin: DefaultCompressMin,
		level:       zlib.DefaultCompression,
		workers:     semaphore.NewWeighted(4),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encode marshals v and returns the tagged wire form.
func (c *Codec) Encode(ctx context.Context, v interface{}) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}
	if c.compressMin <= 0 || len(raw) < c.compressMin {
		return append([]byte{tagRaw}, raw...), nil
	}

	if err := c.workers.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "codec: acquire compressor")
	}
	defer c.workers.Release(1)

	var buf bytes.Buffer
	buf.WriteByte(tagCompressed)
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, errors.Wrap(err, "codec: zlib writer")
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "codec: compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "codec: compress close")
	}
	// Compression can inflate small or high-entropy payloads; keep whichever
	// form is smaller.
	if buf.Len() >= len(raw)+1 {
		return append([]byte{tagRaw}, raw...), nil
	}
	return buf.Bytes(), nil
}

// Decode unmarshals data produced by Encode into v. Corrupt input yields a
// *model.CodecError and never partially filled output.
func (c *Codec) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &model.CodecError{Err: errors.New("empty record")}
	}
	tag, payload := data[0], data[1:]
	switch tag {
	case tagRaw:
		if err := msgpack.Unmarshal(payload, v); err != nil {
			return &model.CodecError{Tag: tag, Err: err}
		}
		return nil
	case tagCompressed:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return &model.CodecError{Tag: tag, Err: err}
		}
		raw, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return &model.CodecError{Tag: tag, Err: err}
		}
		if err := msgpack.Unmarshal(raw, v); err != nil {
			return &model.CodecError{Tag: tag, Err: err}
		}
		return nil
	default:
		return &model.CodecError{Tag: tag, Err: errors.New("unknown format tag")}
	}
}
