package trace

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SBCTrace is one SBC call stored by its SBC call key. Payload is the
// call_trace JSON holding the metadata entry and this single call.
type SBCTrace struct {
	ID            string
	Payload       []byte
	Calling       string
	Called        string
	CallTimestamp *time.Time
	CreatedAt     time.Time
}

// payloadCodec compresses stored payloads. Encoder and decoder are safe
// for concurrent EncodeAll/DecodeAll calls.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &payloadCodec{encoder: enc, decoder: dec}, nil
}

func (c *payloadCodec) encode(payload []byte) []byte {
	return c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

func (c *payloadCodec) decode(compressed []byte) ([]byte, error) {
	payload, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress sbc trace payload: %w", err)
	}
	return payload, nil
}

func (c *payloadCodec) close() {
	if c == nil {
		return
	}
	c.decoder.Close()
	_ = c.encoder.Close()
}
