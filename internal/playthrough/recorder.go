package playthrough

import (
	"context"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/playback"
)

// Recorder writes canonical playback events into one playthrough's log.
type Recorder struct {
	svc           *Service
	session       model.Session
	playthroughID string

	// OnFinishPrompt runs after an append whose position crosses the
	// finish-prompt threshold.
	OnFinishPrompt func(Snapshot)
}

var _ playback.Recorder = (*Recorder)(nil)

func (s *Service) Recorder(session model.Session, playthroughID string) *Recorder {
	return &Recorder{svc: s, session: session, playthroughID: playthroughID}
}

func (r *Recorder) Record(ctx context.Context, ev playback.Event) error {
	p := AppendParams{
		Type:         ev.Type,
		Position:     &ev.Position,
		FromPosition: ev.From,
		ToPosition:   ev.To,
	}
	if !ev.At.IsZero() {
		p.Timestamp = ev.At.UnixMilli()
	}
	if ev.Rate > 0 {
		p.PlaybackRate = &ev.Rate
	}
	snap, err := r.svc.Record(ctx, r.session, r.playthroughID, p)
	if err != nil {
		return err
	}
	if snap.FinishPrompt && r.OnFinishPrompt != nil {
		r.OnFinishPrompt(snap)
	}
	return nil
}
