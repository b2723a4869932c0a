package discord

import (
	"fmt"

	"github.com/MrWong99/jukebridge/pkg/audio"
	"layeh.com/gopus"
)

// Opus output bitrate; Discord caps regular voice channels at 96 kbit/s.
const opusBitrate = 96000

// opusEncoder wraps a gopus encoder for one voice connection.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates an encoder for 48 kHz stereo music.
func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.OutputSampleRate, audio.OutputChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one 20 ms frame of little-endian int16 PCM.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToSamples(pcm), audio.FrameSamples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
