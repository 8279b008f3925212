package model

type PlaythroughStatus string

const (
	StatusInProgress PlaythroughStatus = "in_progress"
	StatusFinished   PlaythroughStatus = "finished"
	StatusAbandoned  PlaythroughStatus = "abandoned"
)

type EventType string

const (
	EventPlay    EventType = "play"
	EventPause   EventType = "pause"
	EventSeek    EventType = "seek"
	EventFinish  EventType = "finish"
	EventAbandon EventType = "abandon"
)

func (t EventType) Valid() bool {
	switch t {
	case EventPlay, EventPause, EventSeek, EventFinish, EventAbandon:
		return true
	}
	return false
}

type Playthrough struct {
	ID          string            `json:"id" db:"id"`
	UserID      int64             `json:"user_id" db:"user_id"`
	MediaID     string            `json:"media_id" db:"media_id"`
	Status      PlaythroughStatus `json:"status" db:"status"`
	StartedAt   int64             `json:"started_at" db:"started_at"`
	FinishedAt  *int64            `json:"finished_at" db:"finished_at"`
	AbandonedAt *int64            `json:"abandoned_at" db:"abandoned_at"`
	DeletedAt   *int64            `json:"deleted_at" db:"deleted_at"`
	CreatedAt   int64             `json:"created_at" db:"created_at"`
	UpdatedAt   int64             `json:"updated_at" db:"updated_at"`
	SyncedAt    *int64            `json:"-" db:"synced_at"`
}

type PlaybackEvent struct {
	ID            string    `json:"id" db:"id"`
	PlaythroughID string    `json:"playthrough_id" db:"playthrough_id"`
	DeviceID      *string   `json:"device_id" db:"device_id"`
	Type          EventType `json:"type" db:"type"`
	Timestamp     int64     `json:"timestamp" db:"timestamp"`
	Position      *float64  `json:"position" db:"position"`
	PlaybackRate  *float64  `json:"playback_rate" db:"playback_rate"`
	FromPosition  *float64  `json:"from_position" db:"from_position"`
	ToPosition    *float64  `json:"to_position" db:"to_position"`
	SyncedAt      *int64    `json:"-" db:"synced_at"`
}

// PlaythroughState is the materialized fold of a playthrough's events.
type PlaythroughState struct {
	PlaythroughID      string  `json:"playthrough_id" db:"playthrough_id"`
	CurrentPosition    float64 `json:"current_position" db:"current_position"`
	CurrentRate        float64 `json:"current_rate" db:"current_rate"`
	LastEventAt        *int64  `json:"last_event_at" db:"last_event_at"`
	TotalListeningTime int64   `json:"total_listening_time" db:"total_listening_time"`
	UpdatedAt          int64   `json:"updated_at" db:"updated_at"`
}

// PlayerState is the legacy single-row progress record.
type PlayerState struct {
	MediaID      string  `json:"media_id" db:"media_id"`
	Position     float64 `json:"position" db:"position"`
	PlaybackRate float64 `json:"playback_rate" db:"playback_rate"`
	Status       string  `json:"status" db:"status"`
	UpdatedAt    int64   `json:"updated_at" db:"updated_at"`
}
