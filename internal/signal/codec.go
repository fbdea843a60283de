package signal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/pierrec/lz4"
	"github.com/ugorji/go/codec"
)

const (
	// MinCompressibleSize is the smallest envelope body worth compressing.
	// Smaller frames are sent verbatim.
	MinCompressibleSize = 70

	// MaxFrameSize bounds a decoded frame. CAS bundles are a few KB at
	// most; anything larger is a malformed or hostile frame.
	MaxFrameSize = 1 << 20

	flagUncompressed = 0x00
	flagLZ4          = 0x80

	compressedHeaderSize = 5 // flag byte + 4-byte uncompressed size
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("signal frame too large")
	// ErrInvalidFrame is returned for truncated or malformed frames.
	ErrInvalidFrame = errors.New("invalid signal frame")
)

// Envelope is the on-the-wire form of a remote action and its reply path.
type Envelope struct {
	TaskID      string `codec:"tid"`
	OverlayID   string `codec:"oid"`
	SenderID    string `codec:"snd"`
	RecipientID string `codec:"rcp"`
	RecipientCM string `codec:"rcm"`
	Action      string `codec:"act"`
	// Params holds the action parameters for a request, or the response
	// data for a reply.
	Params any `codec:"prm"`
	// Reply marks the envelope as a response travelling back to the
	// action's origin.
	Reply  bool `codec:"rpl"`
	Status bool `codec:"sts"`
}

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	h.WriteExt = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}()

// EncodeEnvelope serializes an envelope to its framed wire form: a flag
// byte, an optional uncompressed-size word, and the (possibly compressed)
// msgpack body.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	var body []byte
	if err := codec.NewEncoderBytes(&body, msgpackHandle).Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(body) >= MinCompressibleSize {
		compressed := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, compressed, nil)
		if err == nil && n > 0 && n < len(body) {
			frame := make([]byte, compressedHeaderSize+n)
			frame[0] = flagLZ4
			binary.BigEndian.PutUint32(frame[1:], uint32(len(body)))
			copy(frame[compressedHeaderSize:], compressed[:n])
			return frame, nil
		}
		// Incompressible bodies fall through to the verbatim path.
	}
	frame := make([]byte, 1+len(body))
	frame[0] = flagUncompressed
	copy(frame[1:], body)
	return frame, nil
}

// DecodeEnvelope parses a framed envelope produced by EncodeEnvelope.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	if len(frame) < 1 {
		return nil, ErrInvalidFrame
	}
	var body []byte
	switch frame[0] {
	case flagUncompressed:
		body = frame[1:]
	case flagLZ4:
		if len(frame) < compressedHeaderSize {
			return nil, ErrInvalidFrame
		}
		size := binary.BigEndian.Uint32(frame[1:compressedHeaderSize])
		if size > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		body = make([]byte, size)
		n, err := lz4.UncompressBlock(frame[compressedHeaderSize:], body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		body = body[:n]
	default:
		return nil, fmt.Errorf("%w: unknown flag 0x%02X", ErrInvalidFrame, frame[0])
	}
	env := &Envelope{}
	if err := codec.NewDecoderBytes(body, msgpackHandle).Decode(env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
