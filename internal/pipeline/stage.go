package pipeline

import "context"

// Emit hands a frame to the next stage. It blocks while the downstream
// queue is full (backpressure) and returns ctx errors only through Run.
type Emit func(Frame)

// Stage is one processing step in the pipeline.
//
// Process handles a single inbound frame and emits zero or more frames
// downstream. Stages must not retain f's slices past the call unless they
// copy them. A non-nil error from an interior stage drops the frame and is
// logged; an error from the capture or output stage cancels the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, f Frame, out Emit) error
}

// Starter is implemented by stages with background work that emits frames
// independently of inbound frames (transport capture, STT result readers).
// Start runs in its own goroutine for the life of the pipeline; its error
// is treated like a Process error from the same stage.
type Starter interface {
	Start(ctx context.Context, out Emit) error
}

// Interrupter is implemented by stages that hold state which must be
// discarded when the user barges in. Interrupt is called from the broadcast
// path, concurrently with Process.
type Interrupter interface {
	Interrupt()
}

// Closer is implemented by stages holding external resources. Close runs
// once after the pipeline stops, in stage order.
type Closer interface {
	Close() error
}
