package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

// GetMedia reads one media row from the replica.
func GetMedia(ctx context.Context, q store.Querier, serverURL, mediaID string) (model.Media, error) {
	var (
		m                                                          model.Media
		description, publisher, published, thumb, mp4Path, hlsPath sql.NullString
		duration                                                   sql.NullFloat64
	)
	err := q.QueryRowContext(ctx, `SELECT id, book_id, status, description, duration, publisher, published,
		abridged, full_cast, thumbnail_path, mp4_path, hls_path, inserted_at, updated_at
		FROM media WHERE server_url = ? AND id = ?`, serverURL, mediaID).
		Scan(&m.ID, &m.BookID, &m.Status, &description, &duration, &publisher, &published,
			&m.Abridged, &m.FullCast, &thumb, &mp4Path, &hlsPath, &m.InsertedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, store.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("failed to read media %s: %w", mediaID, err)
	}
	m.Description = store.StringPtr(description)
	m.Duration = store.Float64Ptr(duration)
	m.Publisher = store.StringPtr(publisher)
	m.Published = store.StringPtr(published)
	m.ThumbnailPath = store.StringPtr(thumb)
	m.MP4Path = store.StringPtr(mp4Path)
	m.HLSPath = store.StringPtr(hlsPath)
	return m, nil
}

// MediaDuration returns the media duration in seconds, or nil when unknown.
func MediaDuration(ctx context.Context, q store.Querier, serverURL, mediaID string) (*float64, error) {
	var d sql.NullFloat64
	err := q.QueryRowContext(ctx, `SELECT duration FROM media WHERE server_url = ? AND id = ?`, serverURL, mediaID).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read media duration: %w", err)
	}
	return store.Float64Ptr(d), nil
}
