// Package playback sits between user or OS input and the native playback
// engine. It coalesces rapid seek taps into one seek and one logged event, and
// folds play/pause commands together with the engine's confirmations into
// exactly one canonical event per transition.
package playback

import (
	"context"
	"time"

	"github.com/theLastOfCats/audiosync/internal/model"
)

// Progress is the engine's current position and the media duration, in seconds.
type Progress struct {
	Position float64
	Duration float64
}

// PlayerEventKind identifies a notification from the engine.
type PlayerEventKind int

const (
	// StateChanged reports an observed playing/paused transition.
	StateChanged PlayerEventKind = iota
	// RemotePlay and RemotePause are hardware or OS remote commands.
	RemotePlay
	RemotePause
	// RemoteJump asks to skip by Delta seconds.
	RemoteJump
	// QueueEnded fires when playback reaches the end of the media.
	QueueEnded
)

func (k PlayerEventKind) String() string {
	switch k {
	case StateChanged:
		return "state-changed"
	case RemotePlay:
		return "remote-play"
	case RemotePause:
		return "remote-pause"
	case RemoteJump:
		return "remote-jump"
	case QueueEnded:
		return "queue-ended"
	default:
		return "unknown"
	}
}

type PlayerEvent struct {
	Kind    PlayerEventKind
	Playing bool
	Delta   float64
}

// Player is the native playback engine. Events may be delivered from any
// goroutine.
type Player interface {
	Progress() Progress
	Rate() float64
	SeekTo(ctx context.Context, position float64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Events() <-chan PlayerEvent
}

// Event is a canonical playback fact ready for the event log.
type Event struct {
	Type     model.EventType
	At       time.Time
	Position float64
	Rate     float64
	From     *float64
	To       *float64
	External bool
}

// Recorder persists canonical events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}
