package audio

import (
	"errors"
	"sync"
	"time"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is what the voice agent expects from capture: 16 kHz mono PCM16.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// DefaultChunkInterval is the send cadence for captured audio.
const DefaultChunkInterval = 150 * time.Millisecond

// BytesFor returns the byte length of d worth of audio, aligned to whole frames.
func (f Format) BytesFor(d time.Duration) int {
	frame := f.frameBytes()
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * frame
}

func (f Format) frameBytes() int {
	n := f.Channels * f.BitsPerSample / 8
	if n <= 0 {
		return 1
	}
	return n
}

var ErrClosed = errors.New("capture closed")

// Chunker buffers captured PCM between send boundaries. Capture writes into
// it from any goroutine; the sender drains it with Take on each tick and
// with Flush exactly once at the end.
type Chunker struct {
	mu      sync.Mutex
	format  Format
	pending []byte
	sealed  bool
	written int64
}

func NewChunker(format Format) *Chunker {
	if format.SampleRate <= 0 {
		format = DefaultFormat
	}
	return &Chunker{format: format}
}

// Write appends captured audio. It never splits or reorders data.
func (c *Chunker) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return 0, ErrClosed
	}
	c.pending = append(c.pending, p...)
	c.written += int64(len(p))
	return len(p), nil
}

// Take drains everything captured since the previous boundary. It returns nil
// when nothing is pending. A trailing partial frame stays buffered.
func (c *Chunker) Take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return nil
	}
	frame := c.format.frameBytes()
	n := len(c.pending) - len(c.pending)%frame
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, c.pending[:n])
	c.pending = append(c.pending[:0], c.pending[n:]...)
	return out
}

// Flush seals the chunker and returns the final partial chunk, including any
// odd trailing bytes. Later calls return nil.
func (c *Chunker) Flush() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return nil
	}
	c.sealed = true
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = nil
	return out
}

func (c *Chunker) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

// Captured returns the total duration of audio written so far.
func (c *Chunker) Captured() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	bytesPerSecond := int64(c.format.SampleRate * c.format.frameBytes())
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(c.written * int64(time.Second) / bytesPerSecond)
}
