package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// pcmSource is a forward-only stream of interleaved float32 samples in
// [-1, 1]. Backward movement is handled above this layer by reopening.
type pcmSource interface {
	SampleRate() int
	Channels() int
	// ReadSamples fills dst and returns the number of float32 values
	// written. n == 0 with io.EOF means the stream is finished.
	ReadSamples(dst []float32) (int, error)
	Close() error
}

// nativeFormat reports whether the file decodes in-process
func nativeFormat(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3", ".ogg", ".oga":
		return true
	}
	return false
}

// openNativeSource opens an in-process decoder for the file
func openNativeSource(path string) (pcmSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		src, err := newWavSource(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return src, nil
	case ".mp3":
		src, err := newMP3Source(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return src, nil
	case ".ogg", ".oga":
		src, err := newVorbisSource(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return src, nil
	}
	f.Close()
	return nil, fmt.Errorf("no native decoder for %s", path)
}

// ---- WAV ----

type wavSource struct {
	f   *os.File
	dec *wav.Decoder
	buf *audio.IntBuffer
	// 1 << (bitDepth-1), for int -> float32 conversion
	scale float32
}

func newWavSource(f *os.File) (*wavSource, error) {
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file: %s", f.Name())
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate PCM data: %w", err)
	}
	return &wavSource{
		f:   f,
		dec: dec,
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: int(dec.NumChans),
				SampleRate:  int(dec.SampleRate),
			},
		},
		scale: float32(int(1) << (dec.BitDepth - 1)),
	}, nil
}

func (s *wavSource) SampleRate() int { return int(s.dec.SampleRate) }
func (s *wavSource) Channels() int   { return int(s.dec.NumChans) }
func (s *wavSource) Close() error    { return s.f.Close() }

func (s *wavSource) ReadSamples(dst []float32) (int, error) {
	if cap(s.buf.Data) < len(dst) {
		s.buf.Data = make([]int, len(dst))
	}
	s.buf.Data = s.buf.Data[:len(dst)]

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("wav decode: %w", err)
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(s.buf.Data[i]) / s.scale
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ---- MP3 ----

type mp3Source struct {
	f   *os.File
	dec *gomp3.Decoder
	buf []byte
}

func newMP3Source(f *os.File) (*mp3Source, error) {
	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	return &mp3Source{f: f, dec: dec}, nil
}

func (s *mp3Source) SampleRate() int { return s.dec.SampleRate() }

// go-mp3 always produces stereo output
func (s *mp3Source) Channels() int { return 2 }
func (s *mp3Source) Close() error  { return s.f.Close() }

func (s *mp3Source) ReadSamples(dst []float32) (int, error) {
	need := len(dst) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	s.buf = s.buf[:need]

	n, err := s.dec.Read(s.buf)
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, nil
	}

	samples := n / 2
	for i := 0; i < samples; i++ {
		v := int16(uint16(s.buf[2*i]) | uint16(s.buf[2*i+1])<<8)
		dst[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// ---- Ogg Vorbis ----

type vorbisSource struct {
	f *os.File
	r *oggvorbis.Reader
}

func newVorbisSource(f *os.File) (*vorbisSource, error) {
	r, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("vorbis decode: %w", err)
	}
	return &vorbisSource{f: f, r: r}, nil
}

func (s *vorbisSource) SampleRate() int { return s.r.SampleRate() }
func (s *vorbisSource) Channels() int   { return s.r.Channels() }
func (s *vorbisSource) Close() error    { return s.f.Close() }

func (s *vorbisSource) ReadSamples(dst []float32) (int, error) {
	return s.r.Read(dst)
}

// ---- helpers ----

// readFrames reads exactly frames*channels samples unless the stream ends
func readFrames(src pcmSource, frames int) ([]float32, error) {
	out := make([]float32, 0, frames*src.Channels())
	buf := make([]float32, 4096)
	remaining := frames * src.Channels()
	for remaining > 0 {
		want := len(buf)
		if want > remaining {
			want = remaining
		}
		n, err := src.ReadSamples(buf[:want])
		out = append(out, buf[:n]...)
		remaining -= n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// skipFrames discards frames from the head of the stream
func skipFrames(src pcmSource, frames int) error {
	buf := make([]float32, 4096)
	remaining := frames * src.Channels()
	for remaining > 0 {
		want := len(buf)
		if want > remaining {
			want = remaining
		}
		n, err := src.ReadSamples(buf[:want])
		remaining -= n
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// resampleLinear converts interleaved samples from srcRate to dstRate with
// linear interpolation, preserving channel count
func resampleLinear(in []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	inFrames := len(in) / channels
	outFrames := int(int64(inFrames) * int64(dstRate) / int64(srcRate))
	out := make([]float32, outFrames*channels)

	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		base := int(pos)
		frac := float32(pos - float64(base))
		next := base + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := in[base*channels+ch]
			b := in[next*channels+ch]
			out[i*channels+ch] = a*(1-frac) + b*frac
		}
	}
	return out
}
