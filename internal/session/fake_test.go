package session

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/MrWong99/jukebridge/internal/connect"
	"github.com/MrWong99/jukebridge/pkg/audio"
)

// ─── fake Connect client ─────────────────────────────────────────────────────

type fakeClient struct {
	mu sync.Mutex
	h  connect.Handler

	// ConnectErr is returned by Connect. An *connect.AuthError also emits a
	// failed(auth) status first, like the real client.
	ConnectErr error
	StartErr   error
	CommandErr error

	// NextHook runs inside a successful Next, before it returns.
	NextHook func()

	// HangOnStop keeps Done open forever.
	HangOnStop bool

	Commands     []string
	ConnectCalls int
	StartCalls   int
	StopCalls    int

	status   connect.Status
	done     chan struct{}
	doneOnce sync.Once
}

func (f *fakeClient) emit(st connect.Status) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
	if f.h.OnStatus != nil {
		f.h.OnStatus(st)
	}
}

func (f *fakeClient) Connect(_ context.Context, _ connect.Credentials) error {
	f.mu.Lock()
	f.ConnectCalls++
	err := f.ConnectErr
	f.mu.Unlock()

	f.emit(connect.Status{State: connect.StateConnecting})
	if err != nil {
		reason := connect.ReasonNetwork
		if connect.IsPermanent(err) {
			reason = connect.ReasonAuth
		}
		f.emit(connect.Status{State: connect.StateFailed, Reason: reason, Err: err})
		return err
	}
	f.emit(connect.Status{State: connect.StateAuthenticated})
	return nil
}

func (f *fakeClient) StartStream(context.Context) error {
	f.mu.Lock()
	f.StartCalls++
	err := f.StartErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.emit(connect.Status{State: connect.StateStreaming})
	return nil
}

func (f *fakeClient) command(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, name)
	return f.CommandErr
}

func (f *fakeClient) Pause(context.Context) error  { return f.command("pause") }
func (f *fakeClient) Resume(context.Context) error { return f.command("resume") }
func (f *fakeClient) Next(context.Context) error {
	if err := f.command("next"); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.NextHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeClient) Stop() {
	f.mu.Lock()
	f.StopCalls++
	hang := f.HangOnStop
	f.mu.Unlock()
	if !hang {
		f.doneOnce.Do(func() { close(f.done) })
	}
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) Status() connect.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeClient) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StopCalls
}

func (f *fakeClient) CommandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commands...)
}

// Track, Audio and Playback drive the handler as the worker would.
func (f *fakeClient) Track(seq uint64, id string) {
	f.h.OnTrack(seq, connect.TrackMetadata{ID: id, Title: "title " + id, Duration: 3 * time.Minute})
}

func (f *fakeClient) Audio(seq uint64, frames int, value int16) {
	f.h.OnAudio(seq, pcmFrames(frames, value))
}

func (f *fakeClient) Playback(playing bool, pos time.Duration) {
	f.h.OnPlayback(connect.PlaybackState{Playing: playing, Position: pos})
}

// fakeDialer hands out fakeClients configured by next.
type fakeDialer struct {
	mu      sync.Mutex
	next    func(*fakeClient)
	clients []*fakeClient
}

func (d *fakeDialer) Dial(h connect.Handler) ConnectClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeClient{h: h, done: make(chan struct{})}
	if d.next != nil {
		d.next(c)
	}
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) Last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// pcmFrames returns n output frames of 48 kHz stereo PCM with every sample
// set to value.
func pcmFrames(n int, value int16) audio.AudioFrame {
	data := make([]byte, n*audio.FrameBytes)
	for i := 0; i < len(data); i += 2 {
		binary.LittleEndian.PutUint16(data[i:], uint16(value))
	}
	return audio.AudioFrame{Data: data, SampleRate: audio.OutputSampleRate, Channels: audio.OutputChannels}
}

// firstSample returns the first sample of a frame.
func firstSample(f audio.AudioFrame) int16 {
	return int16(binary.LittleEndian.Uint16(f.Data))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// collect drains ch until it closes or the timeout passes.
func collect(ch <-chan Event, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func endedEvents(evs []Event) []SessionEnded {
	var out []SessionEnded
	for _, ev := range evs {
		if e, ok := ev.(SessionEnded); ok {
			out = append(out, e)
		}
	}
	return out
}

func waitDone(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func trackMeta(id string) connect.TrackMetadata {
	return connect.TrackMetadata{ID: id, Title: "title " + id}
}
