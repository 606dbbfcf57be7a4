package cachestore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/medlink/medsync"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1
)

// Envelope field numbers. The layout is protobuf wire format so records stay
// readable by generic tooling and new fields can be appended.
const (
	fieldVersion  protowire.Number = 1
	fieldStoredAt protowire.Number = 2
	fieldEncoding protowire.Number = 3
	fieldDigest   protowire.Number = 4
	fieldSize     protowire.Number = 5
	fieldPayload  protowire.Number = 6
)

// Encoding is the content encoding of an envelope payload.
type Encoding uint64

const (
	EncodingIdentity Encoding = 0
	EncodingZstd     Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("encoding(%d)", uint64(e))
	}
}

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrCorrupted is returned when a record cannot be decoded or its
	// digest does not match.
	ErrCorrupted = errors.New("corrupted cache record")
)

// envelope is one stored record: payload plus the metadata needed to verify
// it and to decide freshness. Payload and storedAt live in the same record
// so they are written and removed together.
type envelope struct {
	Version  uint64
	StoredAt int64 // ms since epoch
	Encoding Encoding
	Digest   medsync.Digest
	Size     uint64
	Payload  []byte
}

func (e *envelope) storedAt() time.Time {
	return time.UnixMilli(e.StoredAt)
}

// codec handles envelope encoding and decoding with optional compression.
// The zstd encoder and decoder are goroutine-safe and reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// seal builds an envelope for data stored at the given time.
func (c *codec) seal(data []byte, storedAt time.Time) (*envelope, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := &envelope{
		Version:  CurrentEnvelopeVersion,
		StoredAt: storedAt.UnixMilli(),
		Encoding: EncodingIdentity,
		Digest:   medsync.DigestBytes(data),
		Size:     uint64(len(data)),
		Payload:  data,
	}

	if len(data) < CompressionThreshold {
		return env, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return env, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		env.Encoding = EncodingZstd
		env.Payload = compressed
	}
	return env, nil
}

// open returns the verified, uncompressed payload of env.
func (c *codec) open(env *envelope) ([]byte, error) {
	var data []byte
	switch env.Encoding {
	case EncodingIdentity:
		data = env.Payload
	case EncodingZstd:
		if env.Size > MaxPayloadSize {
			return nil, fmt.Errorf("%w: declared size %d", ErrCorrupted, env.Size)
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		out, err := dec.DecodeAll(env.Payload, make([]byte, 0, env.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorrupted, err)
		}
		data = out
	default:
		return nil, fmt.Errorf("%w: unsupported %s", ErrCorrupted, env.Encoding)
	}

	if uint64(len(data)) != env.Size {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrCorrupted, len(data), env.Size)
	}
	if medsync.DigestBytes(data) != env.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}
	return data, nil
}

// marshalEnvelope encodes env in protobuf wire format.
func marshalEnvelope(env *envelope) []byte {
	b := make([]byte, 0, len(env.Payload)+64)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Version)
	b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.StoredAt))
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Encoding))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Digest[:])
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Size)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload)
	return b
}

// unmarshalEnvelope decodes a record written by marshalEnvelope. Unknown
// fields are skipped. The payload aliases b.
func unmarshalEnvelope(b []byte) (*envelope, error) {
	env := &envelope{}
	var seenVersion, seenDigest bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				env.Version = v
				seenVersion = true
			case fieldStoredAt:
				env.StoredAt = int64(v)
			case fieldEncoding:
				env.Encoding = Encoding(v)
			case fieldSize:
				env.Size = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldDigest:
				d, err := medsync.DigestFromBytes(v)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
				}
				env.Digest = d
				seenDigest = true
			case fieldPayload:
				env.Payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !seenVersion || env.Version != CurrentEnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupted, env.Version)
	}
	if !seenDigest {
		return nil, fmt.Errorf("%w: missing digest", ErrCorrupted)
	}
	return env, nil
}
