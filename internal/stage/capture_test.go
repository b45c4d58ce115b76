package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/pkg/transport"
	"github.com/phonesys/voicepipe/pkg/types"
)

type mockConn struct {
	audioIn chan types.AudioFrame
	videoIn chan transport.VideoFrame
	events  chan transport.Event

	mu           sync.Mutex
	written      []types.AudioFrame
	videoWritten []transport.VideoFrame
	closed       bool
}

func newMockConn() *mockConn {
	return &mockConn{
		audioIn: make(chan types.AudioFrame, 8),
		videoIn: make(chan transport.VideoFrame, 8),
		events:  make(chan transport.Event, 8),
	}
}

func (c *mockConn) AudioIn() <-chan types.AudioFrame      { return c.audioIn }
func (c *mockConn) VideoIn() <-chan transport.VideoFrame  { return c.videoIn }
func (c *mockConn) Events() <-chan transport.Event        { return c.events }
func (c *mockConn) WriteAudio(_ context.Context, f types.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}
func (c *mockConn) WriteVideo(_ context.Context, f transport.VideoFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoWritten = append(c.videoWritten, f)
	return nil
}
func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestCaptureEmitsReadyThenMedia(t *testing.T) {
	conn := newMockConn()
	stage := NewCapture(conn, nil, nil)

	var mu sync.Mutex
	var frames []pipeline.Frame
	emit := func(f pipeline.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- stage.Start(context.Background(), emit) }()

	conn.audioIn <- types.AudioFrame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 1}
	conn.videoIn <- transport.VideoFrame{Data: []byte{9}, MimeType: "image/jpeg"}
	close(conn.audioIn)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after audio stream closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) < 3 {
		t.Fatalf("emitted %d frames, want at least 3", len(frames))
	}
	if _, ok := frames[0].(pipeline.TransportReadyFrame); !ok {
		t.Errorf("first frame = %#v, want TransportReadyFrame", frames[0])
	}
	if _, ok := frames[len(frames)-1].(pipeline.EndFrame); !ok {
		t.Errorf("last frame = %#v, want EndFrame", frames[len(frames)-1])
	}
	var sawAudio, sawImage bool
	for _, f := range frames {
		switch f.(type) {
		case pipeline.AudioFrame:
			sawAudio = true
		case pipeline.ImageFrame:
			sawImage = true
		}
	}
	if !sawAudio || !sawImage {
		t.Errorf("sawAudio=%v sawImage=%v, want both", sawAudio, sawImage)
	}
}

func TestCaptureEndsOnLeave(t *testing.T) {
	conn := newMockConn()
	stage := NewCapture(conn, nil, nil)

	var mu sync.Mutex
	var frames []pipeline.Frame
	emit := func(f pipeline.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- stage.Start(context.Background(), emit) }()

	conn.events <- transport.Event{Type: transport.EventLeave, ParticipantID: "caller"}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after leave event")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := frames[len(frames)-1].(pipeline.EndFrame); !ok {
		t.Errorf("last frame = %#v, want EndFrame", frames[len(frames)-1])
	}
}

func TestCaptureActivityCallback(t *testing.T) {
	conn := newMockConn()
	var mu sync.Mutex
	activity := 0
	stage := NewCapture(conn, nil, func() {
		mu.Lock()
		activity++
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- stage.Start(context.Background(), func(pipeline.Frame) {}) }()

	conn.audioIn <- types.AudioFrame{Data: []byte{1}}
	conn.audioIn <- types.AudioFrame{Data: []byte{2}}
	close(conn.audioIn)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if activity != 2 {
		t.Errorf("activity = %d, want 2", activity)
	}
}

func TestOutputWritesAudio(t *testing.T) {
	conn := newMockConn()
	out := NewOutput(conn, nil)

	frame := pipeline.AudioFrame{Audio: types.AudioFrame{Data: []byte{5, 6}, SampleRate: 24000, Channels: 1}}
	if err := out.Process(context.Background(), frame, func(pipeline.Frame) {}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := out.Process(context.Background(), pipeline.TextFrame{Text: "ignored"}, func(pipeline.Frame) {}); err != nil {
		t.Fatalf("Process non-audio: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.written) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(conn.written))
	}
}
