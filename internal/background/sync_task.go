package background

import (
	"context"
	"log"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/syncer"
)

// Syncer is the part of the sync coordinator a background run needs.
type Syncer interface {
	Sync(ctx context.Context, session model.Session) (syncer.Outcome, error)
}

// SyncTask syncs every session returned by sessions. New data anywhere wins
// over failures elsewhere; otherwise any failure fails the run.
func SyncTask(s Syncer, sessions func() []model.Session, logger *log.Logger) Task {
	return func(ctx context.Context) Result {
		var newData, failed bool
		for _, session := range sessions() {
			out, err := s.Sync(ctx, session)
			if err == nil {
				err = out.Err()
			}
			if err != nil {
				if logger != nil {
					logger.Printf("ERROR: background sync of %s failed: %v", session.ServerURL, err)
				}
				failed = true
			}
			if out.NewData() {
				newData = true
			}
		}
		switch {
		case newData:
			return NewData
		case failed:
			return Failed
		default:
			return NoData
		}
	}
}
