package vision

import (
	"bytes"
	"image"
	"image/jpeg"
	"strings"
	"testing"
	"time"
)

func TestStoreLatestValueWins(t *testing.T) {
	var s Store
	if s.Latest() != nil {
		t.Fatal("empty store must return nil")
	}
	first := &Snapshot{JPEG: []byte{1}, CapturedAt: time.Now()}
	second := &Snapshot{JPEG: []byte{2}, CapturedAt: time.Now()}
	s.Put(first)
	s.Put(second)
	if got := s.Latest(); got != second {
		t.Errorf("got %v, want the second snapshot", got)
	}
}

func TestStoreFreshAgeGate(t *testing.T) {
	var s Store
	now := time.Now()
	s.Put(&Snapshot{JPEG: []byte{1}, CapturedAt: now.Add(-10 * time.Second)})
	if s.Fresh(now, DefaultMaxAge) != nil {
		t.Error("stale snapshot must not be returned")
	}
	s.Put(&Snapshot{JPEG: []byte{2}, CapturedAt: now.Add(-time.Second)})
	if s.Fresh(now, DefaultMaxAge) == nil {
		t.Error("fresh snapshot must be returned")
	}
}

func TestThrottleDropsExcessFrames(t *testing.T) {
	tr := NewThrottle(time.Second)
	base := time.Now()

	if !tr.Admit(base) {
		t.Fatal("first frame must be admitted")
	}
	if tr.Admit(base.Add(300 * time.Millisecond)) {
		t.Error("frame inside the interval must be dropped")
	}
	if tr.Admit(base.Add(900 * time.Millisecond)) {
		t.Error("frame inside the interval must be dropped")
	}
	if !tr.Admit(base.Add(1100 * time.Millisecond)) {
		t.Error("frame past the interval must be admitted")
	}
}

func TestModeDecider(t *testing.T) {
	cases := []struct {
		name       string
		mode       AttachMode
		transcript string
		want       bool
	}{
		{"always attaches", AttachAlways, "tell me a joke", true},
		{"never attaches", AttachNever, "look at this picture", false},
		{"auto matches keyword", AttachAuto, "what do you see", true},
		{"auto matches phrase", AttachAuto, "What is this in my hand", true},
		{"auto with punctuation", AttachAuto, "can you see?", true},
		{"auto matches colour", AttachAuto, "what colour is my shirt", true},
		{"auto no keyword", AttachAuto, "tell me about the weather", false},
		{"auto substring does not match", AttachAuto, "I went sightseeing", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ModeDecider{Mode: tc.mode}
			if got := d.ShouldAttach(tc.transcript); got != tc.want {
				t.Errorf("ShouldAttach(%q) = %v, want %v", tc.transcript, got, tc.want)
			}
		})
	}
}

func TestReencodeBoundsDimensions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	out, err := Reencode(buf.Bytes())
	if err != nil {
		t.Fatalf("Reencode: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("got format %q, want jpeg", format)
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		t.Errorf("output %dx%d exceeds bound %d", cfg.Width, cfg.Height, maxDimension)
	}
	// Aspect ratio is preserved.
	if cfg.Width != maxDimension {
		t.Errorf("long side %d, want %d", cfg.Width, maxDimension)
	}
}

func TestReencodeRejectsGarbage(t *testing.T) {
	if _, err := Reencode([]byte(strings.Repeat("x", 100))); err == nil {
		t.Error("expected decode error")
	}
}

func TestSnapshotDataURL(t *testing.T) {
	snap := &Snapshot{JPEG: []byte{0xFF, 0xD8}}
	url := snap.DataURL()
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("got %q", url)
	}
}
