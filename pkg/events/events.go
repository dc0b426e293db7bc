// Package events carries structured progress records from the training
// orchestrator and evaluator to any observer. Delivery is fire-and-forget:
// a slow or absent consumer can never stall the training loop.
package events

import "time"

// Phase tags what produced an event.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseEval  Phase = "eval"
)

// ProgressEvent is one progress record. Events for a run are published in
// non-decreasing Step order. Terminal events carry either a completion or an
// error, always with the last valid checkpoint path so no progress is
// silently lost.
type ProgressEvent struct {
	Phase Phase `json:"phase"`
	Step  int   `json:"step"`
	Total int   `json:"total"`

	TrainLoss *float64 `json:"train_loss,omitempty"`
	ValLoss   *float64 `json:"val_loss,omitempty"`
	LR        float64  `json:"lr,omitempty"`
	Seed      int64    `json:"seed,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
	ETA     time.Duration `json:"eta"`

	Terminal   bool   `json:"terminal,omitempty"`
	Err        string `json:"error,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Bus is a bounded, non-blocking progress channel with a single publisher.
// When the buffer is full the oldest event is dropped to make room, which
// preserves ordering for whatever the consumer does see.
type Bus struct {
	ch chan ProgressEvent
}

// NewBus creates a bus buffering up to size events. Size must be >= 1.
func NewBus(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{ch: make(chan ProgressEvent, size)}
}

// Publish never blocks. Only the producing goroutine may call it.
func (b *Bus) Publish(ev ProgressEvent) {
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		// Buffer full: evict the oldest and retry.
		select {
		case <-b.ch:
		default:
		}
	}
}

// Events is the consumer side. It is closed by Close.
func (b *Bus) Events() <-chan ProgressEvent { return b.ch }

// Close signals the consumer that no more events will arrive. Publish must
// not be called afterwards.
func (b *Bus) Close() { close(b.ch) }

// F is a convenience for the optional loss fields.
func F(v float64) *float64 { return &v }
