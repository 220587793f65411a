package whisper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/voicescribe/pkg/audio"
	"github.com/go-audio/wav"
)

// whisperSampleRate is the only input rate whisper.cpp accepts.
const whisperSampleRate = 16000

// errUnsupportedFile is returned for containers the native path cannot decode.
var errUnsupportedFile = errors.New("whisper: unsupported audio container")

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be
// even (two bytes per sample); any trailing odd byte is silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// pcmToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame. If channels is 1 this is equivalent to
// pcmToFloat32.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return pcmToFloat32(pcm)
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a canonical
// 44-byte RIFF/WAV header for upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// readAudioFile loads a .wav or headerless .pcm file as s16le PCM. pcmFormat
// describes .pcm inputs.
func readAudioFile(path string, pcmFormat audio.Format) ([]byte, audio.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("whisper: read %s: %w", path, err)
		}
		return data, pcmFormat, nil
	case ".wav":
		return readWAV(path)
	default:
		return nil, audio.Format{}, fmt.Errorf("%w: %s", errUnsupportedFile, filepath.Ext(path))
	}
}

func readWAV(path string) ([]byte, audio.Format, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("whisper: open %s: %w", path, err)
	}
	defer fh.Close()

	dec := wav.NewDecoder(fh)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("whisper: %s is not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		return nil, audio.Format{}, fmt.Errorf("%w: %d-bit wav", errUnsupportedFile, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("whisper: decode %s: %w", path, err)
	}
	pcm := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
	}
	f := audio.Format{
		SampleRate:   int(dec.SampleRate),
		Channels:     int(dec.NumChans),
		SampleFormat: audio.SampleS16LE,
	}
	return pcm, f, nil
}
