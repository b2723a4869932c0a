package connect

import (
	"fmt"

	"github.com/MrWong99/jukebridge/pkg/audio"
	"layeh.com/gopus"
)

// decoders turns [AudioPacket]s into PCM frames. Opus decoders are stateful,
// so one is kept per (rate, channels) pair for the lifetime of a stream.
// Not safe for concurrent use.
type decoders struct {
	opus map[[2]int]*gopus.Decoder
}

func newDecoders() *decoders {
	return &decoders{opus: make(map[[2]int]*gopus.Decoder)}
}

func (d *decoders) decode(p *AudioPacket) (audio.AudioFrame, error) {
	if p.SampleRate <= 0 || (p.Channels != 1 && p.Channels != 2) {
		return audio.AudioFrame{}, fmt.Errorf("%w: audio format %d Hz %d ch", ErrProtocol, p.SampleRate, p.Channels)
	}
	switch p.Codec {
	case CodecPCM16:
		if len(p.Payload)%(2*p.Channels) != 0 {
			return audio.AudioFrame{}, fmt.Errorf("%w: misaligned pcm payload of %d bytes", ErrProtocol, len(p.Payload))
		}
		data := make([]byte, len(p.Payload))
		copy(data, p.Payload)
		return audio.AudioFrame{Data: data, SampleRate: p.SampleRate, Channels: p.Channels}, nil

	case CodecOpus:
		key := [2]int{p.SampleRate, p.Channels}
		dec, ok := d.opus[key]
		if !ok {
			var err error
			dec, err = gopus.NewDecoder(p.SampleRate, p.Channels)
			if err != nil {
				return audio.AudioFrame{}, fmt.Errorf("%w: opus decoder for %d Hz %d ch: %v", ErrProtocol, p.SampleRate, p.Channels, err)
			}
			d.opus[key] = dec
		}
		// 120 ms is the longest Opus frame.
		maxSamples := p.SampleRate * 120 / 1000
		pcm, err := dec.Decode(p.Payload, maxSamples, false)
		if err != nil {
			return audio.AudioFrame{}, fmt.Errorf("opus decode: %w", err)
		}
		return audio.AudioFrame{Data: audio.SamplesToBytes(pcm), SampleRate: p.SampleRate, Channels: p.Channels}, nil

	default:
		return audio.AudioFrame{}, fmt.Errorf("%w: unknown codec %s", ErrProtocol, p.Codec)
	}
}
