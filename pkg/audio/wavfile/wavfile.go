// Package wavfile reads and writes WAV clips and replays them as an
// [audio.Source]. Clips are used for voice-profile enrolment, vocabulary
// samples, and offline captioning of recordings.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/captionist/pkg/audio"
)

// ErrInvalidFile is returned when a file is not a readable PCM WAV file.
var ErrInvalidFile = errors.New("wavfile: not a valid wav file")

// Clip is a decoded WAV file as 16-bit little-endian PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Read decodes the WAV file at path. Samples of any integer bit depth are
// scaled to 16 bits.
func Read(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("wavfile: open %s: %w", path, err)
	}
	defer f.Close()

	clip, err := Decode(f)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %s", err, path)
	}
	return clip, nil
}

// Decode reads a WAV stream from r.
func Decode(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidFile
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("wavfile: decode: %w", err)
	}

	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = buf.SourceBitDepth
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = scaleTo16(v, depth)
	}
	return Clip{
		PCM:        audio.Int16ToPCM(samples),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// pcmHeader is the canonical 44-byte header of a 16-bit PCM WAV file.
type pcmHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// Encode returns pcm as an in-memory 16-bit WAV file, for uploading
// utterances without touching disk. Use [Write] for files.
func Encode(pcm []byte, sampleRate, channels int) []byte {
	channels = max(channels, 1)
	h := pcmHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	_ = binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(pcm)
	return buf.Bytes()
}

// Write encodes 16-bit PCM as a WAV file at path.
func Write(path string, pcm []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(pcm)/2),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("wavfile: write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: close %s: %w", path, err)
	}
	return nil
}

func scaleTo16(v, depth int) int16 {
	switch {
	case depth == 8:
		// 8-bit WAV is unsigned.
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}
