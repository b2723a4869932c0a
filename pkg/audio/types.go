package audio

import "time"

// Discord voice output format: 48 kHz stereo, 20 ms per frame.
const (
	OutputSampleRate = 48000
	OutputChannels   = 2
	FrameDuration    = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one output frame.
	FrameSamples = OutputSampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// FrameBytes is the size of one output frame in bytes (int16 interleaved).
	FrameBytes = FrameSamples * OutputChannels * 2 // 3840
)

// AudioFrame is a chunk of little-endian int16 interleaved PCM.
//
// Frames produced by a pipeline for a voice sink are always exactly
// [FrameBytes] long at [OutputSampleRate]/[OutputChannels]. Frames pushed into
// a pipeline by a decoder may have any length and format.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (44100 from the upstream decoder, 48000 for Discord).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the frame's offset relative to the start of its track.
	Timestamp time.Duration

	// Silent marks a frame synthesised to cover a buffer underrun.
	Silent bool
}

// Silence returns a zero-filled output frame flagged as silent.
func Silence() AudioFrame {
	return AudioFrame{
		Data:       make([]byte, FrameBytes),
		SampleRate: OutputSampleRate,
		Channels:   OutputChannels,
		Silent:     true,
	}
}
