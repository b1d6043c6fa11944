package device

// Device defines the interface an audio output must implement for the
// playback engine. The engine derives its master clock from PlayheadMicros,
// so implementations must guarantee the reading never decreases while the
// device stays open. Flush drops queued audio but is not required to reset
// the playhead.
type Device interface {
	// Transport
	Start() error
	Stop() error
	Flush() error

	// Write queues interleaved float32 samples for output.
	// len(samples) must be a multiple of Channels().
	Write(samples []float32) error

	// State queries
	BufferedFrames() (int, error)
	PlayheadMicros() (int64, error)
	Underrun() (bool, error)
	ClearUnderrun() error

	// Format
	SampleRate() int
	Channels() int

	Close() error
}

// OpenFunc creates a device for the given format and target buffer depth.
type OpenFunc func(sampleRate, channels, targetBufferMS int) (Device, error)
