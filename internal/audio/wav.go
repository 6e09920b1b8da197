// Package audio converts captured browser audio into uploadable WAV.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
	"github.com/zaf/g711"
)

const DefaultSampleRate = 16000

type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMuLaw Encoding = "mulaw"
	EncodingALaw  Encoding = "alaw"
)

var ErrUnsupportedEncoding = errors.New("unsupported audio encoding")

// ToPCM16 expands a captured frame to PCM16LE.
func ToPCM16(frame []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingPCM16, "":
		if len(frame)%2 != 0 {
			return nil, fmt.Errorf("pcm16 frame has odd length %d", len(frame))
		}
		return frame, nil
	case EncodingMuLaw:
		return g711.DecodeUlaw(frame), nil
	case EncodingALaw:
		return g711.DecodeAlaw(frame), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 buffer has odd length %d", len(pcm))
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		Data:           samples,
		SourceBitDepth: 16,
	}

	// Held in memory; the encoder needs to seek back to patch the header sizes.
	file := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return io.ReadAll(file.Reader())
}

// DurationMS is the playback length of a PCM16LE mono buffer in milliseconds.
func DurationMS(pcm []byte, sampleRate int) int64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return int64(len(pcm)/2) * 1000 / int64(sampleRate)
}
