// Package pipeline turns decoded upstream audio into the fixed 20 ms frames a
// voice sink consumes.
//
// A [Pipeline] accepts PCM chunks of any length, mono or stereo, at any sample
// rate. It converts them to 48 kHz stereo, cuts them into exact
// [audio.FrameBytes] frames and queues them in a bounded jitter buffer. The
// sink drains the buffer with [Pipeline.Pull], which never blocks and yields a
// silent frame when nothing is ready.
//
// Every pushed chunk carries a track sequence number. [Pipeline.Flush] moves
// the pipeline to a new sequence and discards everything buffered for older
// ones, so after a skip no audio from the previous track is ever pulled.
package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jukebridge/pkg/audio"
)

// Default buffer sizing, in output frames.
const (
	DefaultMaxFrames   = 50 // 1 s
	DefaultStartFrames = 3  // 60 ms
)

// Config sizes the jitter buffer.
type Config struct {
	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// MaxFrames bounds the buffer. When full, the oldest frames are dropped.
	MaxFrames int

	// StartFrames is how many frames must be queued before playback resumes
	// after an underrun. Clamped to MaxFrames.
	StartFrames int
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Pushed    uint64 // frames queued
	Pulled    uint64 // non-silent frames handed to the sink
	Underruns uint64 // transitions from playing to empty
	Dropped   uint64 // frames discarded by overflow
	Stale     uint64 // chunks rejected for belonging to an older track
	Flushed   uint64 // frames discarded by Flush
	Buffered  int    // frames currently queued
}

// Pipeline is safe for concurrent use by one producer and one consumer.
type Pipeline struct {
	cfg Config

	mu        sync.Mutex
	seq       uint64
	resampler *Resampler
	pending   []byte
	frames    [][]byte
	buffering bool
	played    int // real frames pulled since the last flush
	stats     Stats
}

// New creates a Pipeline. Zero config fields take their defaults.
func New(cfg Config) *Pipeline {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if cfg.StartFrames <= 0 {
		cfg.StartFrames = DefaultStartFrames
	}
	if cfg.StartFrames > cfg.MaxFrames {
		cfg.StartFrames = cfg.MaxFrames
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		frames:    make([][]byte, 0, cfg.MaxFrames),
		buffering: true,
	}
}

// Push converts chunk to the output format and queues every complete frame
// it yields. Chunks tagged with a sequence older than the current one are
// discarded. A newer sequence implies a flush.
func (p *Pipeline) Push(chunk audio.AudioFrame, seq uint64) {
	format := audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}
	if !format.Valid() || len(chunk.Data)%2 != 0 {
		p.cfg.Logger.Warn("pipeline: dropping malformed chunk",
			"format", format.String(),
			"bytes", len(chunk.Data),
		)
		return
	}

	pcm := chunk.Data
	if chunk.Channels == 1 {
		pcm = audio.MonoToStereo(pcm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case seq < p.seq:
		p.stats.Stale++
		return
	case seq > p.seq:
		p.flushLocked(seq)
	}

	if p.resampler == nil || p.resampler.SourceRate() != chunk.SampleRate {
		p.resampler = NewResampler(chunk.SampleRate, audio.OutputSampleRate)
	}
	p.pending = append(p.pending, p.resampler.Process(pcm)...)

	for len(p.pending) >= audio.FrameBytes {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, p.pending[:audio.FrameBytes])
		p.pending = p.pending[audio.FrameBytes:]
		p.enqueueLocked(frame)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

func (p *Pipeline) enqueueLocked(frame []byte) {
	if len(p.frames) >= p.cfg.MaxFrames {
		over := len(p.frames) - p.cfg.MaxFrames + 1
		p.frames = append(p.frames[:0], p.frames[over:]...)
		p.stats.Dropped += uint64(over)
	}
	p.frames = append(p.frames, frame)
	p.stats.Pushed++
}

// Flush discards all buffered audio and the partial-frame remainder and
// moves the pipeline to seq. Flushing to an older sequence only clears the
// buffer; the sequence never goes backwards.
func (p *Pipeline) Flush(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq < p.seq {
		seq = p.seq
	}
	p.flushLocked(seq)
}

func (p *Pipeline) flushLocked(seq uint64) {
	p.stats.Flushed += uint64(len(p.frames))
	p.seq = seq
	p.frames = p.frames[:0]
	p.pending = nil
	if p.resampler != nil {
		p.resampler.Reset()
	}
	p.buffering = true
	p.played = 0
}

// Pull returns the next output frame. It never blocks: on underrun, or while
// pre-buffering, it returns [audio.Silence].
func (p *Pipeline) Pull() audio.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) == 0 {
		if !p.buffering {
			p.buffering = true
			p.stats.Underruns++
		}
		return audio.Silence()
	}
	if p.buffering && len(p.frames) < p.cfg.StartFrames {
		return audio.Silence()
	}
	p.buffering = false

	data := p.frames[0]
	p.frames[0] = nil
	p.frames = p.frames[1:]
	if len(p.frames) == 0 {
		// Reclaim the backing array instead of sliding forever.
		p.frames = make([][]byte, 0, p.cfg.MaxFrames)
	}
	p.stats.Pulled++
	p.played++

	return audio.AudioFrame{
		Data:       data,
		SampleRate: audio.OutputSampleRate,
		Channels:   audio.OutputChannels,
		Timestamp:  time.Duration(p.played-1) * audio.FrameDuration,
	}
}

// Seq returns the current track sequence.
func (p *Pipeline) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Buffered = len(p.frames)
	return s
}
