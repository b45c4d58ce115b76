package wsbridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/phonesys/voicepipe/pkg/transport"
	"github.com/phonesys/voicepipe/pkg/types"
)

func dialTestGateway(t *testing.T) (*Gateway, *websocket.Conn, string) {
	t.Helper()
	g := NewGateway(nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "?call_id=call-1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "test done") })

	select {
	case id := <-g.Offers():
		return g, ws, id
	case <-time.After(5 * time.Second):
		t.Fatal("no call offered")
		return nil, nil, ""
	}
}

func TestGatewayOffersAndConnects(t *testing.T) {
	g, _, id := dialTestGateway(t)
	if id != "call-1" {
		t.Fatalf("offered call = %q, want call-1", id)
	}

	conn, err := g.Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	// A leg can only be claimed once.
	if _, err := g.Connect(context.Background(), id); err == nil {
		t.Error("second Connect for the same call should fail")
	}
}

func TestGatewayConnectUnknownCall(t *testing.T) {
	g := NewGateway(nil)
	if _, err := g.Connect(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown call")
	}
}

func TestLegDeliversAudio(t *testing.T) {
	g, ws, id := dialTestGateway(t)
	conn, err := g.Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	if err := ws.Write(ctx, websocket.MessageBinary, append([]byte{tagAudio}, pcm...)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case frame := <-conn.AudioIn():
		if string(frame.Data) != string(pcm) {
			t.Errorf("frame data = %v, want %v", frame.Data, pcm)
		}
		if frame.SampleRate != inSampleRate || frame.Channels != 1 {
			t.Errorf("frame format = %d Hz %d ch", frame.SampleRate, frame.Channels)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no audio frame delivered")
	}
}

func TestLegDeliversVideoAndEvents(t *testing.T) {
	g, ws, id := dialTestGateway(t)
	conn, err := g.Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jpeg := []byte{0xFF, 0xD8, 0xFF}
	if err := ws.Write(ctx, websocket.MessageBinary, append([]byte{tagVideo}, jpeg...)); err != nil {
		t.Fatalf("client write video: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"leave","participant_id":"p1"}`)); err != nil {
		t.Fatalf("client write event: %v", err)
	}

	select {
	case frame := <-conn.VideoIn():
		if frame.MimeType != "image/jpeg" {
			t.Errorf("mime = %q", frame.MimeType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no video frame delivered")
	}

	select {
	case ev := <-conn.Events():
		if ev.Type != transport.EventLeave || ev.ParticipantID != "p1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestLegWriteAudioRoundTrip(t *testing.T) {
	g, ws, id := dialTestGateway(t)
	conn, err := g.Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pcm := []byte{0x0A, 0x00, 0x0B, 0x00}
	if err := conn.WriteAudio(ctx, types.AudioFrame{Data: pcm, SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("message type = %v", typ)
	}
	if data[0] != tagAudio || string(data[1:]) != string(pcm) {
		t.Errorf("payload = %v", data)
	}
}

func TestChannelsCloseOnClientHangup(t *testing.T) {
	g, ws, id := dialTestGateway(t)
	conn, err := g.Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ws.Close(websocket.StatusNormalClosure, "hangup")

	select {
	case _, ok := <-conn.AudioIn():
		if ok {
			t.Fatal("expected closed audio channel, got a frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audio channel never closed after hangup")
	}
}
