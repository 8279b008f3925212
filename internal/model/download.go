package model

type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadReady       DownloadStatus = "ready"
	DownloadError       DownloadStatus = "error"
)

type Download struct {
	ServerURL    string            `json:"server_url" db:"server_url"`
	MediaID      string            `json:"media_id" db:"media_id"`
	FilePath     string            `json:"file_path" db:"file_path"`
	Status       DownloadStatus    `json:"status" db:"status"`
	Progress     *float64          `json:"progress" db:"progress"`
	ResumeData   *string           `json:"-" db:"resume_data"`
	Thumbnails   map[string]string `json:"thumbnails" db:"thumbnails"`
	ErrorMessage *string           `json:"error_message" db:"error_message"`
	CreatedAt    int64             `json:"created_at" db:"created_at"`
	UpdatedAt    int64             `json:"updated_at" db:"updated_at"`
}
