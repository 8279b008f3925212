// Package device maintains the persistent identity of this installation.
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/store"
)

const deviceType = "cli"

// Registry loads or creates the device row.
type Registry struct {
	db         *store.DB
	appVersion string
	now        func() time.Time
}

func NewRegistry(db *store.DB, appVersion string) *Registry {
	return &Registry{db: db, appVersion: appVersion, now: time.Now}
}

// Current returns the device, creating it on first use. The id never changes
// once written; metadata is refreshed on every call.
func (r *Registry) Current(ctx context.Context) (model.Device, error) {
	var dev model.Device
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := r.now().UnixMilli()
		hostname, _ := os.Hostname()

		existing, err := load(ctx, tx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			dev = model.Device{
				ID:         uuid.NewString(),
				Type:       deviceType,
				OS:         runtime.GOOS,
				Arch:       runtime.GOARCH,
				Hostname:   hostname,
				AppVersion: r.appVersion,
				CreatedAt:  now,
				LastSeenAt: now,
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO device
				(singleton, id, type, os, arch, hostname, app_version, created_at, last_seen_at)
				VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
				dev.ID, dev.Type, dev.OS, dev.Arch, dev.Hostname, dev.AppVersion, dev.CreatedAt, dev.LastSeenAt)
			if err != nil {
				return fmt.Errorf("failed to insert device: %w", err)
			}
			return nil
		case err != nil:
			return err
		}

		existing.OS = runtime.GOOS
		existing.Arch = runtime.GOARCH
		existing.Hostname = hostname
		existing.AppVersion = r.appVersion
		existing.LastSeenAt = now
		_, err = tx.ExecContext(ctx, `UPDATE device SET os = ?, arch = ?, hostname = ?, app_version = ?, last_seen_at = ?
			WHERE singleton = 1`,
			existing.OS, existing.Arch, existing.Hostname, existing.AppVersion, existing.LastSeenAt)
		if err != nil {
			return fmt.Errorf("failed to update device: %w", err)
		}
		dev = existing
		return nil
	})
	return dev, err
}

func load(ctx context.Context, q store.Querier) (model.Device, error) {
	var d model.Device
	err := q.QueryRowContext(ctx, `SELECT id, type, os, arch, hostname, app_version, created_at, last_seen_at
		FROM device WHERE singleton = 1`).
		Scan(&d.ID, &d.Type, &d.OS, &d.Arch, &d.Hostname, &d.AppVersion, &d.CreatedAt, &d.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, store.ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("failed to load device: %w", err)
	}
	return d, nil
}
