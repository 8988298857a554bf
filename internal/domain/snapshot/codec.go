package snapshot

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic prefixes every zstd frame. Payloads above the recorder's
// compression threshold are stored compressed.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if codecErr != nil {
		codecErr = fmt.Errorf("create zstd encoder: %w", codecErr)
		return
	}
	decoder, codecErr = zstd.NewReader(nil)
	if codecErr != nil {
		codecErr = fmt.Errorf("create zstd decoder: %w", codecErr)
	}
}

// Decode turns an undo-log payload into a RuntimeContext.
// JSON numbers are kept as json.Number so numeric precision survives.
func Decode(payload []byte) (*RuntimeContext, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty undo log payload")
	}

	if bytes.HasPrefix(payload, zstdMagic) {
		codecOnce.Do(initCodec)
		if codecErr != nil {
			return nil, codecErr
		}
		raw, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress undo log payload: %w", err)
		}
		payload = raw
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var rc RuntimeContext
	if err := dec.Decode(&rc); err != nil {
		return nil, fmt.Errorf("decode undo log payload: %w", err)
	}
	return &rc, nil
}

// Encode serializes a RuntimeContext the way the forward recorder stores it.
// Payloads larger than compressAbove bytes are zstd-compressed; zero disables
// compression.
func Encode(rc *RuntimeContext, compressAbove int) ([]byte, error) {
	raw, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encode undo log payload: %w", err)
	}
	if compressAbove <= 0 || len(raw) <= compressAbove {
		return raw, nil
	}

	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, codecErr
	}
	return encoder.EncodeAll(raw, nil), nil
}
