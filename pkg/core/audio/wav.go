package audio

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// DefaultPCMSampleRate is assumed when a raw PCM MIME type carries no rate.
const DefaultPCMSampleRate = 16000

// IsRawPCM reports whether mimeType names headerless 16-bit PCM.
func IsRawPCM(mimeType string) bool {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(m, "audio/pcm") || strings.HasPrefix(m, "audio/l16")
}

// RMSEnergy returns the RMS level of 16-bit little-endian PCM, normalized to 0..1.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// PCMSampleRate reads the rate parameter of a MIME type such as
// "audio/pcm;rate=16000".
func PCMSampleRate(mimeType string) int {
	for _, part := range strings.Split(mimeType, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return DefaultPCMSampleRate
}

// PCMToWAV wraps mono 16-bit little-endian PCM in a 44-byte WAV header.
func PCMToWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	return append(header, pcm...)
}

// Uploadable converts raw PCM to WAV so hosted speech models accept it. Other
// formats pass through unchanged.
func Uploadable(data []byte, mimeType string) ([]byte, string) {
	if !IsRawPCM(mimeType) {
		return data, mimeType
	}
	return PCMToWAV(data, PCMSampleRate(mimeType)), "audio/wav"
}
