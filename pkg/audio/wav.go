package audio

import (
	"encoding/binary"
	"fmt"
)

// WAV container constants for 16-bit PCM.
const (
	wavHeaderSize = 44
	wavFormatPCM  = 1
)

// EncodeWAV16 wraps mono float32 samples in a minimal RIFF/WAVE container
// with 16-bit PCM encoding. This is the upload format the HTTP inference
// backends accept for raw audio.
func EncodeWAV16(samples []float32, sampleRate int) []byte {
	pcm := ToPCM16(samples)
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV16 parses a RIFF/WAVE container holding 16-bit PCM and returns
// mono float32 samples plus the sample rate. Stereo input is downmixed by
// averaging. Compressed or non-16-bit encodings are rejected.
func DecodeWAV16(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a RIFF/WAVE stream")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		haveFmt    bool
	)

	// Walk chunks; fmt must precede data.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: truncated fmt chunk (%d bytes)", size)
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != wavFormatPCM {
				return nil, 0, fmt.Errorf("audio: unsupported WAV format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bits)
			}
			if channels < 1 || channels > 2 {
				return nil, 0, fmt.Errorf("audio: unsupported channel count %d", channels)
			}
			samples := FromPCM16(data[body : body+size])
			if channels == 2 {
				mono := make([]float32, len(samples)/2)
				for i := range mono {
					mono[i] = (samples[i*2] + samples[i*2+1]) / 2
				}
				samples = mono
			}
			return samples, sampleRate, nil
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	return nil, 0, fmt.Errorf("audio: no data chunk found")
}
