// Package wsbridge is a WebSocket call-leg adapter: each accepted socket
// becomes one [transport.Connection]. It exists for development rigs and
// simple media gateways; production deployments plug in their own transport.
//
// Wire protocol, client to server:
//
//   - binary message, first byte 0x01: one PCM16 little-endian mono audio
//     frame at 16 kHz.
//   - binary message, first byte 0x02: one JPEG camera frame.
//   - text message: JSON {"type": "join"|"leave", "participant_id": "..."}.
//
// Server to client: binary messages, first byte 0x01, PCM16 agent audio at
// the session's synthesis rate.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/phonesys/voicepipe/pkg/transport"
	"github.com/phonesys/voicepipe/pkg/types"
)

// Frame tags, first byte of every binary message.
const (
	tagAudio byte = 0x01
	tagVideo byte = 0x02
)

// inSampleRate is the PCM rate clients must send.
const inSampleRate = 16000

const audioQueueSize = 32

// Gateway accepts WebSocket call legs over HTTP and offers them to the
// session runner. Mount it on a mux and consume [Gateway.Offers]; resolve
// each offered call ID with [Gateway.Connect].
type Gateway struct {
	logger *slog.Logger

	mu     sync.Mutex
	legs   map[string]*leg
	offers chan string
}

// NewGateway builds a gateway. The offers channel is buffered; legs arriving
// while the buffer is full are rejected.
func NewGateway(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger: logger,
		legs:   make(map[string]*leg),
		offers: make(chan string, 16),
	}
}

// Offers returns call IDs of accepted legs, in arrival order.
func (g *Gateway) Offers() <-chan string { return g.offers }

// Connect implements [transport.Transport]: it claims the accepted leg
// registered under callID. Each leg can be claimed once.
func (g *Gateway) Connect(_ context.Context, callID string) (transport.Connection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.legs[callID]
	if !ok {
		return nil, fmt.Errorf("wsbridge: no pending leg for call %q", callID)
	}
	delete(g.legs, callID)
	return l, nil
}

// ServeHTTP upgrades the request and blocks until the call leg ends, keeping
// the underlying socket alive for the session's lifetime. The call ID comes
// from the "call_id" query parameter; absent one, an ID is generated.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		callID = uuid.NewString()
	}

	g.mu.Lock()
	if _, dup := g.legs[callID]; dup {
		g.mu.Unlock()
		http.Error(w, "call already connected", http.StatusConflict)
		return
	}
	g.mu.Unlock()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "call_id", callID, "error", err)
		return
	}

	l := newLeg(ws, g.logger.With("call_id", callID))

	g.mu.Lock()
	g.legs[callID] = l
	g.mu.Unlock()

	select {
	case g.offers <- callID:
	default:
		g.mu.Lock()
		delete(g.legs, callID)
		g.mu.Unlock()
		l.Close()
		g.logger.Warn("call rejected, offer queue full", "call_id", callID)
		return
	}

	go l.readLoop()
	<-l.done
}

var _ transport.Transport = (*Gateway)(nil)

// leg is one live WebSocket call leg.
type leg struct {
	ws     *websocket.Conn
	logger *slog.Logger
	start  time.Time

	audioIn chan types.AudioFrame
	videoIn chan transport.VideoFrame
	events  chan transport.Event

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newLeg(ws *websocket.Conn, logger *slog.Logger) *leg {
	return &leg{
		ws:      ws,
		logger:  logger,
		start:   time.Now(),
		audioIn: make(chan types.AudioFrame, audioQueueSize),
		videoIn: make(chan transport.VideoFrame, 1),
		events:  make(chan transport.Event, 4),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (l *leg) AudioIn() <-chan types.AudioFrame     { return l.audioIn }
func (l *leg) VideoIn() <-chan transport.VideoFrame { return l.videoIn }
func (l *leg) Events() <-chan transport.Event       { return l.events }

// WriteAudio sends one agent audio frame to the client.
func (l *leg) WriteAudio(ctx context.Context, frame types.AudioFrame) error {
	payload := make([]byte, 1+len(frame.Data))
	payload[0] = tagAudio
	copy(payload[1:], frame.Data)
	if err := l.ws.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("wsbridge: write audio: %w", err)
	}
	return nil
}

// WriteVideo sends one rendered video frame to the client.
func (l *leg) WriteVideo(ctx context.Context, frame transport.VideoFrame) error {
	payload := make([]byte, 1+len(frame.Data))
	payload[0] = tagVideo
	copy(payload[1:], frame.Data)
	if err := l.ws.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("wsbridge: write video: %w", err)
	}
	return nil
}

// Close hangs up the leg. The frame channels close once the read loop has
// drained out.
func (l *leg) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.ws.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}

// controlMessage is the JSON shape of text messages from the client.
type controlMessage struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// readLoop pumps inbound messages into the frame channels until the socket
// dies or Close is called. It owns the channels; they close when it exits.
func (l *leg) readLoop() {
	defer func() {
		close(l.audioIn)
		close(l.videoIn)
		close(l.events)
		close(l.done)
	}()
	for {
		typ, data, err := l.ws.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				l.logger.Debug("leg read ended", "error", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if len(data) < 2 {
				continue
			}
			if !l.deliverBinary(data[0], data[1:]) {
				return
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				l.logger.Debug("unparseable control message", "error", err)
				continue
			}
			if !l.deliverEvent(msg) {
				return
			}
		}
	}
}

// deliverBinary routes a tagged payload. Returns false once the leg is
// closed.
func (l *leg) deliverBinary(tag byte, payload []byte) bool {
	switch tag {
	case tagAudio:
		frame := types.AudioFrame{
			Data:       payload,
			SampleRate: inSampleRate,
			Channels:   1,
			Timestamp:  time.Since(l.start),
		}
		select {
		case l.audioIn <- frame:
		case <-l.stop:
			return false
		}
	case tagVideo:
		frame := transport.VideoFrame{
			Data:      payload,
			MimeType:  "image/jpeg",
			Timestamp: time.Since(l.start),
		}
		// Camera frames are droppable; keep only the freshest.
		select {
		case l.videoIn <- frame:
		case <-l.stop:
			return false
		default:
			select {
			case <-l.videoIn:
			default:
			}
			select {
			case l.videoIn <- frame:
			case <-l.stop:
				return false
			default:
			}
		}
	}
	return true
}

func (l *leg) deliverEvent(msg controlMessage) bool {
	ev := transport.Event{ParticipantID: msg.ParticipantID, Timestamp: time.Now()}
	switch msg.Type {
	case "join":
		ev.Type = transport.EventJoin
	case "leave":
		ev.Type = transport.EventLeave
	default:
		return true
	}
	select {
	case l.events <- ev:
	case <-l.stop:
		return false
	default:
	}
	return true
}

var _ transport.Connection = (*leg)(nil)
