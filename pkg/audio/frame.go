package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Magic identifies a binary audio frame on the wire ("VAUD" in byte order).
const Magic uint32 = 0x44554156

// HeaderSize is the fixed size of the binary frame header.
const HeaderSize = 12

var (
	ErrShortFrame     = errors.New("audio frame shorter than header")
	ErrBadMagic       = errors.New("audio frame magic mismatch")
	ErrLengthMismatch = errors.New("audio frame payload length mismatch")
)

// Frame is one captured chunk of mono PCM16 audio, tagged by the transport.
type Frame struct {
	Seq      uint32
	Captured time.Time
	Payload  []byte
	Energy   float64
	Voiced   bool
}

// IsFrame reports whether data starts with the audio frame magic.
func IsFrame(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == Magic
}

// EncodeFrame builds a wire frame: magic, sequence, payload length, payload.
func EncodeFrame(seq uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeFrame parses a wire frame. The returned payload aliases data.
func DecodeFrame(data []byte) (uint32, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, ErrShortFrame
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return 0, nil, ErrBadMagic
	}
	seq := binary.LittleEndian.Uint32(data[4:8])
	n := binary.LittleEndian.Uint32(data[8:12])
	if int(n) != len(data)-HeaderSize {
		return 0, nil, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, n, len(data)-HeaderSize)
	}
	return seq, data[HeaderSize:], nil
}
