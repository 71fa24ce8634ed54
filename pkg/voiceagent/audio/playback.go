package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink consumes decoded PCM for output. Play blocks for the duration of
// the frame (a real audio device) or returns immediately (tests).
type Sink interface {
	Play(pcm []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pcm []byte) error

func (f SinkFunc) Play(pcm []byte) error { return f(pcm) }

// Player queues inbound PCM frames and plays them strictly in arrival
// order. Flush discards everything queued and stops in-flight playback
// immediately; the current frame is abandoned, not finished.
type Player struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	queue   [][]byte
	pending chan struct{}
	epoch   atomic.Int64

	playing atomic.Bool

	onPlayingChange func(bool)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPlayer builds a player over sink. onPlayingChange (optional) fires
// on every transition of the playback-active indicator.
func NewPlayer(sink Sink, logger *slog.Logger, onPlayingChange func(bool)) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Player{
		sink:            sink,
		logger:          logger,
		pending:         make(chan struct{}, 1),
		onPlayingChange: onPlayingChange,
		done:            make(chan struct{}),
	}
	p.wg.Add(1)
	go p.playLoop()
	return p
}

// Enqueue appends one decoded PCM frame to the playback queue.
func (p *Player) Enqueue(pcm []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, pcm)
	p.mu.Unlock()
	select {
	case p.pending <- struct{}{}:
	default:
	}
}

// Playing reports whether playback is active.
func (p *Player) Playing() bool { return p.playing.Load() }

// Flush clears the queue and interrupts in-flight playback. Frames queued
// before the flush are never played afterward.
func (p *Player) Flush() {
	p.epoch.Add(1)
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.setPlaying(false)
}

// QueueLen reports the number of frames awaiting playback.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop halts the player permanently.
func (p *Player) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
	p.setPlaying(false)
}

func (p *Player) playLoop() {
	defer p.wg.Done()
	for {
		pcm, epoch, ok := p.next()
		if !ok {
			p.setPlaying(false)
			select {
			case <-p.done:
				return
			case <-p.pending:
				continue
			}
		}

		p.setPlaying(true)
		if err := p.sink.Play(pcm); err != nil {
			p.logger.Warn("playback sink failed", "err", err)
		}
		// A flush during Play invalidates this epoch; the indicator drop
		// was already handled by Flush itself.
		if p.epoch.Load() != epoch {
			continue
		}
	}
}

func (p *Player) next() ([]byte, int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, 0, false
	}
	pcm := p.queue[0]
	p.queue = p.queue[1:]
	return pcm, p.epoch.Load(), true
}

func (p *Player) setPlaying(v bool) {
	if p.playing.Swap(v) != v && p.onPlayingChange != nil {
		p.onPlayingChange(v)
	}
}
