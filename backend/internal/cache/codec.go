package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// 值的第一个字节是编码标记
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

var errIncompressible = errors.New("data is incompressible")

// codec 负责大值压缩；超过阈值才压缩，压缩失败或没有变小就存原文
type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *codec) encode(val []byte) []byte {
	if c.threshold > 0 && len(val) > c.threshold {
		if packed, err := c.compress(val); err == nil {
			out := make([]byte, 0, len(packed)+1)
			out = append(out, tagZstd)
			return append(out, packed...)
		}
	}
	out := make([]byte, 0, len(val)+1)
	out = append(out, tagRaw)
	return append(out, val...)
}

func (c *codec) compress(val []byte) ([]byte, error) {
	packed := c.enc.EncodeAll(val, nil)
	if len(packed) >= len(val) {
		return nil, errIncompressible
	}
	return packed, nil
}

func (c *codec) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty cache value")
	}
	switch stored[0] {
	case tagRaw:
		return stored[1:], nil
	case tagZstd:
		out, err := c.dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown cache value tag %d", stored[0])
	}
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
