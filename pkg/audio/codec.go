package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMisalignedPCM is returned when a byte payload is not a whole number of
// samples.
var ErrMisalignedPCM = errors.New("audio: payload length is not a multiple of the sample width")

// EncodePCM16 quantises normalised float samples to signed 16-bit PCM. Each
// sample is clamped to [-1, 1]; the negative side is scaled by 32768 and the
// positive side by 32767 so both extremes map onto the full int16 range. NaN
// encodes as 0.
func EncodePCM16(src []float32) []int16 {
	out := make([]int16, len(src))
	for i, s := range src {
		out[i] = encodeSample(s)
	}
	return out
}

func encodeSample(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s < -1:
		s = -1
	case s > 1:
		s = 1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// DecodePCM16 maps signed 16-bit PCM back to normalised floats using the same
// side-dependent scale as [EncodePCM16].
func DecodePCM16(src []int16) []float32 {
	out := make([]float32, len(src))
	for i, s := range src {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7FFF
		}
	}
	return out
}

// PCM16Bytes serialises samples as little-endian int16.
func PCM16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// PCM16FromBytes parses little-endian int16 samples. An odd byte count
// returns [ErrMisalignedPCM].
func PCM16FromBytes(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("pcm16 (%d bytes): %w", len(b), ErrMisalignedPCM)
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// Float32Bytes serialises samples as little-endian IEEE-754 float32.
func Float32Bytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// Float32FromBytes parses little-endian float32 samples. A byte count that is
// not a multiple of four returns [ErrMisalignedPCM].
func Float32FromBytes(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float32 (%d bytes): %w", len(b), ErrMisalignedPCM)
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
