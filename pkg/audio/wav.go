package audio

import (
	"bytes"
	"encoding/binary"
)

// NewWavBuffer wraps mono PCM16 samples in a RIFF/WAVE container.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, le, uint32(16))                        // chunk size
	_ = binary.Write(buf, le, uint16(1))                         // PCM
	_ = binary.Write(buf, le, uint16(1))                         // mono
	_ = binary.Write(buf, le, uint32(sampleRate))                // sample rate
	_ = binary.Write(buf, le, uint32(sampleRate*BytesPerSample)) // byte rate
	_ = binary.Write(buf, le, uint16(BytesPerSample))            // block align
	_ = binary.Write(buf, le, uint16(16))                        // bits per sample

	buf.WriteString("data")
	_ = binary.Write(buf, le, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
