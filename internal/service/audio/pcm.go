package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMisalignedFrame is returned when a frame length is not a multiple of
// its sample size.
var ErrMisalignedFrame = errors.New("audio frame is not aligned to its sample size")

// EncodeSample converts a floating-point sample to signed 16-bit PCM.
// The input is clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, truncating toward zero. NaN encodes to 0.
func EncodeSample(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// Encode converts mono float samples to 16-bit little-endian PCM.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(EncodeSample(s)))
	}
	return out
}

// DecodeFloat32LE decodes raw little-endian IEEE-754 float32 samples, the
// layout of a browser Float32Array buffer.
func DecodeFloat32LE(frame []byte) ([]float32, error) {
	if len(frame)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisalignedFrame, len(frame))
	}
	out := make([]float32, len(frame)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[i*4:]))
	}
	return out, nil
}

// EncodeFloat32Frame converts a raw float32 frame straight to 16-bit PCM.
func EncodeFloat32Frame(frame []byte) ([]byte, error) {
	samples, err := DecodeFloat32LE(frame)
	if err != nil {
		return nil, err
	}
	return Encode(samples), nil
}

// DurationMs returns the playback length of a PCM16 mono buffer.
func DurationMs(pcmBytes int64, sampleRateHz int) int64 {
	if sampleRateHz <= 0 {
		return 0
	}
	return pcmBytes / 2 * 1000 / int64(sampleRateHz)
}
