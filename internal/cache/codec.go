package cache

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Payload tags. They are persisted in the bolt backend; do not renumber.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// compressThreshold is the encoded size above which payloads are compressed.
const compressThreshold = 1024

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes v as a tagged payload.
func Encode(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache encode: %w", err)
	}
	if len(raw) <= compressThreshold {
		return append([]byte{tagRaw}, raw...), nil
	}
	out := make([]byte, 1, len(raw)/2+1)
	out[0] = tagZstd
	return zenc.EncodeAll(raw, out), nil
}

// Decode reverses Encode.
func Decode(b []byte, v any) error {
	if len(b) == 0 {
		return errors.New("cache decode: empty payload")
	}
	body := b[1:]
	switch b[0] {
	case tagRaw:
	case tagZstd:
		plain, err := zdec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("cache decode: zstd: %w", err)
		}
		body = plain
	default:
		return fmt.Errorf("cache decode: unknown payload tag %d", b[0])
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("cache decode: %w", err)
	}
	return nil
}
