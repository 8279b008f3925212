package model

type User struct {
	ID           int64   `json:"id" db:"id"`
	Email        string  `json:"email" db:"email"`
	PasswordHash string  `json:"-" db:"password_hash"`
	Nickname     *string `json:"nickname" db:"nickname"`
	CreatedAt    int64   `json:"created_at" db:"created_at"`
}

// Session identifies the account a client is syncing against.
type Session struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	UserID    int64  `json:"user_id"`
}

type Device struct {
	ID         string `json:"id" db:"id"`
	Type       string `json:"type" db:"type"`
	OS         string `json:"os" db:"os"`
	Arch       string `json:"arch" db:"arch"`
	Hostname   string `json:"hostname" db:"hostname"`
	AppVersion string `json:"app_version" db:"app_version"`
	CreatedAt  int64  `json:"created_at" db:"created_at"`
	LastSeenAt int64  `json:"last_seen_at" db:"last_seen_at"`
}
