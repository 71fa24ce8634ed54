// Package audio implements the capture and playback halves of the voice
// pipeline: a fixed-duration capture chunker feeding the agent channel,
// and an ordered playback queue with immediate barge-in flush.
package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one fixed-duration PCM buffer with a monotonic sequence
// number. Ownership transfers to the sink; the chunker does not retain
// frames after hand-off.
type Frame struct {
	Seq int64
	PCM []byte
}

// CaptureSource produces raw PCM. Read blocks until data is available or
// the source is exhausted (io.EOF). It may run on a real-time thread;
// the chunker is its only consumer.
type CaptureSource interface {
	Read(p []byte) (int, error)
}

// FrameSink receives capture frames in order, typically the agent
// channel's SendAudio.
type FrameSink func(Frame) error

// CaptureStats counts chunker throughput. Dropped frames are the bounded
// queue's documented oldest-frame-drop policy, never silent loss.
type CaptureStats struct {
	Captured int64
	Sent     int64
	Dropped  int64
}

// ChunkerConfig configures capture slicing and pacing.
type ChunkerConfig struct {
	SampleRate    int           // Hz, default 16000
	Channels      int           // default 1
	BytesPerSamp  int           // default 2 (16-bit PCM)
	FrameDuration time.Duration // default 20ms

	// QueueFrames bounds the hand-off queue toward the sink. When full,
	// the oldest queued frame is dropped and counted. Default 50.
	QueueFrames int

	// Pace throttles forwarding to real time so a fast source (a file in
	// tests, a pre-buffered capture) does not flood the channel.
	Pace bool

	Logger *slog.Logger
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BytesPerSamp <= 0 {
		c.BytesPerSamp = 2
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// frameBytes is the size of one network frame for the configured format.
func (c ChunkerConfig) frameBytes() int {
	samples := int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
	return samples * c.Channels * c.BytesPerSamp
}

// Chunker slices a capture source into fixed-duration frames and forwards
// them to a sink in order. The source side is the single producer and the
// forward loop the single consumer of the internal queue.
type Chunker struct {
	cfg    ChunkerConfig
	sink   FrameSink
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Frame
	pending chan struct{}

	seq      atomic.Int64
	captured atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChunker builds a chunker forwarding to sink.
func NewChunker(cfg ChunkerConfig, sink FrameSink) *Chunker {
	cfg = cfg.withDefaults()
	return &Chunker{
		cfg:     cfg,
		sink:    sink,
		logger:  cfg.Logger,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins reading src and forwarding frames until the source ends or
// Stop is called.
func (c *Chunker) Start(src CaptureSource) {
	c.wg.Add(2)
	go c.captureLoop(src)
	go c.forwardLoop()
}

// Stop halts capture and forwarding. Queued frames are discarded.
func (c *Chunker) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Stats returns throughput counters.
func (c *Chunker) Stats() CaptureStats {
	return CaptureStats{
		Captured: c.captured.Load(),
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Chunker) captureLoop(src CaptureSource) {
	defer c.wg.Done()
	frameBytes := c.cfg.frameBytes()
	buf := make([]byte, frameBytes)
	fill := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, err := src.Read(buf[fill:])
		if n > 0 {
			fill += n
			if fill == frameBytes {
				pcm := make([]byte, frameBytes)
				copy(pcm, buf)
				c.enqueue(Frame{Seq: c.seq.Add(1), PCM: pcm})
				fill = 0
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("capture read failed", "err", err)
			}
			// Flush a partial tail frame padded with silence.
			if fill > 0 {
				pcm := make([]byte, frameBytes)
				copy(pcm, buf[:fill])
				c.enqueue(Frame{Seq: c.seq.Add(1), PCM: pcm})
			}
			return
		}
	}
}

func (c *Chunker) enqueue(f Frame) {
	c.captured.Add(1)
	c.mu.Lock()
	if len(c.queue) >= c.cfg.QueueFrames {
		// Oldest-frame drop keeps the queue bounded; the count surfaces
		// in Stats and the log rather than growing without limit.
		c.queue = c.queue[1:]
		dropped := c.dropped.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			c.logger.Warn("capture queue full, dropping oldest frame", "dropped", dropped)
		}
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.pending <- struct{}{}:
	default:
	}
}

func (c *Chunker) forwardLoop() {
	defer c.wg.Done()

	var ticker *time.Ticker
	if c.cfg.Pace {
		ticker = time.NewTicker(c.cfg.FrameDuration)
		defer ticker.Stop()
	}

	for {
		frame, ok := c.dequeue()
		if !ok {
			select {
			case <-c.done:
				return
			case <-c.pending:
				continue
			}
		}

		if ticker != nil {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			}
		}

		if err := c.sink(frame); err != nil {
			c.logger.Warn("capture sink rejected frame", "seq", frame.Seq, "err", err)
			continue
		}
		c.sent.Add(1)
	}
}

func (c *Chunker) dequeue() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Frame{}, false
	}
	f := c.queue[0]
	c.queue = c.queue[1:]
	return f, true
}
