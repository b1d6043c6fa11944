package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/veandco/go-sdl2/sdl"
)

// SDLDevice plays audio through SDL's queued-audio API.
//
// SDL exposes no hardware playhead for queued audio, so the playhead is
// derived as frames-written minus frames-still-queued. Both quantities only
// grow or shrink through this struct, which keeps the derived reading
// monotonically non-decreasing: writes only increase the written count, and
// a flush removes queued frames, which can only move the playhead forward.
type SDLDevice struct {
	mu sync.Mutex

	id         sdl.AudioDeviceID
	sampleRate int
	channels   int

	started       bool
	framesWritten int64
	underrun      bool

	// Scratch buffer reused across Write calls to avoid per-call allocation
	byteBuf []byte
}

var sdlAudioOnce sync.Once

// OpenSDL opens the default audio output via SDL
func OpenSDL(sampleRate, channels, targetBufferMS int) (Device, error) {
	var initErr error
	sdlAudioOnce.Do(func() {
		initErr = sdl.InitSubSystem(sdl.INIT_AUDIO)
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to init SDL audio: %w", initErr)
	}

	// Samples must be a power of two; pick the closest one not exceeding
	// half the target buffer so SDL's internal latency stays below target.
	samples := uint16(512)
	targetFrames := sampleRate * targetBufferMS / 1000
	for int(samples)*4 <= targetFrames {
		samples *= 2
	}

	desired := sdl.AudioSpec{
		Freq:     int32(sampleRate),
		Format:   sdl.AUDIO_S16LSB,
		Channels: uint8(channels),
		Samples:  samples,
	}
	var obtained sdl.AudioSpec

	id, err := sdl.OpenAudioDevice("", false, &desired, &obtained, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio device: %w", err)
	}

	return &SDLDevice{
		id:         id,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (d *SDLDevice) SampleRate() int { return d.sampleRate }
func (d *SDLDevice) Channels() int   { return d.channels }

// Start unpauses the device
func (d *SDLDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sdl.PauseAudioDevice(d.id, false)
	d.started = true
	return nil
}

// Stop pauses the device, leaving queued audio in place
func (d *SDLDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sdl.PauseAudioDevice(d.id, true)
	d.started = false
	return nil
}

// Flush drops all queued audio. The derived playhead jumps forward to the
// written count, which preserves monotonicity.
func (d *SDLDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sdl.ClearQueuedAudio(d.id)
	return nil
}

// Write converts interleaved float32 samples to signed 16-bit PCM and
// queues them on the device
func (d *SDLDevice) Write(samples []float32) error {
	if len(samples)%d.channels != 0 {
		return fmt.Errorf("write: sample count %d not a multiple of %d channels",
			len(samples), d.channels)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	need := len(samples) * 2
	if cap(d.byteBuf) < need {
		d.byteBuf = make([]byte, need)
	}
	buf := d.byteBuf[:need]

	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}

	if err := sdl.QueueAudio(d.id, buf); err != nil {
		return fmt.Errorf("failed to queue audio: %w", err)
	}
	d.framesWritten += int64(len(samples) / d.channels)
	return nil
}

// BufferedFrames reports frames queued but not yet consumed by the hardware
func (d *SDLDevice) BufferedFrames() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	frames := d.queuedFramesLocked()
	if d.started && frames == 0 {
		d.underrun = true
	}
	return frames, nil
}

// PlayheadMicros reports the monotonic hardware playhead in microseconds
func (d *SDLDevice) PlayheadMicros() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	consumed := d.framesWritten - int64(d.queuedFramesLocked())
	return consumed * 1_000_000 / int64(d.sampleRate), nil
}

func (d *SDLDevice) queuedFramesLocked() int {
	bytes := int(sdl.GetQueuedAudioSize(d.id))
	return bytes / (2 * d.channels)
}

func (d *SDLDevice) Underrun() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.underrun, nil
}

func (d *SDLDevice) ClearUnderrun() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.underrun = false
	return nil
}

// Close releases the device
func (d *SDLDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sdl.CloseAudioDevice(d.id)
	return nil
}
