package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	numChannels   = 1
	bitsPerSample = 16
	bytesPerFrame = numChannels * bitsPerSample / 8

	DefaultSampleRate = 16000
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	dataSize := uint32(len(pcm))

	w := bufio.NewWriter(out)
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * bytesPerFrame),
		uint16(bytesPerFrame),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// PCM16Duration is the playback length of PCM16LE mono audio.
func PCM16Duration(numBytes, sampleRate int) time.Duration {
	if numBytes <= 0 {
		return 0
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	frames := numBytes / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// PCM16RMS returns the root mean square level of PCM16LE samples, normalized
// to [0, 1].
func PCM16RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerFrame
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DecodeWAVPCM16 extracts 16-bit PCM from a WAV file. Multi-channel audio is
// downmixed to mono by averaging.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, errors.New("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("unsupported wav header")
	}

	var (
		haveFmt     bool
		format      uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcm         []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, errors.New("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, errors.New("invalid wav fmt chunk")
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = chunk
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, errors.New("wav fmt chunk missing")
	case len(pcm) == 0:
		return nil, 0, errors.New("wav data chunk missing")
	case format != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", format)
	case bitsPerSamp != bitsPerSample:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, errors.New("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	if channels == 1 {
		n := len(pcm) &^ 1
		return append([]byte(nil), pcm[:n]...), sampleRate, nil
	}

	frameBytes := int(channels) * 2
	frames := len(pcm) / frameBytes
	if frames == 0 {
		return nil, 0, errors.New("invalid wav frame bytes")
	}
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
