package model

// UserChanges is the user-scope "changes since" payload.
type UserChanges struct {
	Playthroughs []Playthrough   `json:"playthroughs"`
	Events       []PlaybackEvent `json:"events"`
	ServerTime   int64           `json:"server_time"`
}

// PlaythroughBatch is one push unit: a playthrough and its unsynced events.
type PlaythroughBatch struct {
	Playthrough *Playthrough    `json:"playthrough"`
	Events      []PlaybackEvent `json:"events"`
}

type PushResult struct {
	PlaythroughID string `json:"playthrough_id"`
	Accepted      int    `json:"accepted"`
	Duplicates    int    `json:"duplicates"`
	ServerTime    int64  `json:"server_time"`
}
