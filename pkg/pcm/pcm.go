// Package pcm converts raw wire-format PCM audio into the float32 samples
// the transcription engine expects.
package pcm

import (
	"encoding/binary"
	"math"
)

// Int16LEToFloat32 decodes little-endian signed 16-bit PCM into float32
// samples normalised to [-1.0, 1.0). The input length must be even; any
// trailing odd byte is silently ignored.
func Int16LEToFloat32(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32LEToFloat32 reinterprets little-endian IEEE-754 float32 PCM bytes
// as a []float32 slice. The input length must be a multiple of 4; any
// trailing bytes are silently ignored.
func Float32LEToFloat32(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := range n {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Format reports how a binary frame of a given byte length should be
// decoded, per the byte-alignment rule: a multiple of 4 is float32 PCM, else
// a multiple of 2 is int16 PCM, else the frame is rejected.
type Format int

const (
	// FormatUnsupported means neither a float32 nor an int16 interpretation
	// is possible for the given length.
	FormatUnsupported Format = iota
	// FormatFloat32 means the frame should be decoded with Float32LEToFloat32.
	FormatFloat32
	// FormatInt16 means the frame should be decoded with Int16LEToFloat32.
	FormatInt16
)

// Classify returns the Format implied by a frame of n bytes. A length that
// is a multiple of 4 is always treated as float32 (2 divides 4, so every
// 4-byte-aligned length is also 2-byte-aligned; float32 takes priority).
func Classify(n int) Format {
	switch {
	case n > 0 && n%4 == 0:
		return FormatFloat32
	case n > 0 && n%2 == 0:
		return FormatInt16
	default:
		return FormatUnsupported
	}
}

// Decode classifies raw and decodes it to float32 samples using the implied
// format. ok is false when the frame length is unsupported.
func Decode(raw []byte) (samples []float32, format Format, ok bool) {
	switch Classify(len(raw)) {
	case FormatFloat32:
		return Float32LEToFloat32(raw), FormatFloat32, true
	case FormatInt16:
		return Int16LEToFloat32(raw), FormatInt16, true
	default:
		return nil, FormatUnsupported, false
	}
}
