package model

// Library entity type names, as carried by tombstones.
const (
	EntityPerson        = "person"
	EntityBook          = "book"
	EntitySeries        = "series"
	EntityAuthor        = "author"
	EntityNarrator      = "narrator"
	EntityMedia         = "media"
	EntityBookAuthor    = "book_author"
	EntitySeriesBook    = "series_book"
	EntityMediaNarrator = "media_narrator"
)

// LibraryEntityTypes lists entity types parents first.
var LibraryEntityTypes = []string{
	EntityPerson,
	EntityBook,
	EntitySeries,
	EntityAuthor,
	EntityNarrator,
	EntityMedia,
	EntityBookAuthor,
	EntitySeriesBook,
	EntityMediaNarrator,
}

type Person struct {
	ID            string  `json:"id" db:"id"`
	Name          string  `json:"name" db:"name"`
	Description   *string `json:"description" db:"description"`
	ThumbnailPath *string `json:"thumbnail_path" db:"thumbnail_path"`
	InsertedAt    int64   `json:"inserted_at" db:"inserted_at"`
	UpdatedAt     int64   `json:"updated_at" db:"updated_at"`
}

type Book struct {
	ID              string  `json:"id" db:"id"`
	Title           string  `json:"title" db:"title"`
	Published       *string `json:"published" db:"published"`
	PublishedFormat string  `json:"published_format" db:"published_format"`
	InsertedAt      int64   `json:"inserted_at" db:"inserted_at"`
	UpdatedAt       int64   `json:"updated_at" db:"updated_at"`
}

type Series struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	InsertedAt int64  `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
}

type Author struct {
	ID         string `json:"id" db:"id"`
	PersonID   string `json:"person_id" db:"person_id"`
	Name       string `json:"name" db:"name"`
	InsertedAt int64  `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
}

type Narrator struct {
	ID         string `json:"id" db:"id"`
	PersonID   string `json:"person_id" db:"person_id"`
	Name       string `json:"name" db:"name"`
	InsertedAt int64  `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
}

type Media struct {
	ID            string   `json:"id" db:"id"`
	BookID        string   `json:"book_id" db:"book_id"`
	Status        string   `json:"status" db:"status"`
	Description   *string  `json:"description" db:"description"`
	Duration      *float64 `json:"duration" db:"duration"`
	Publisher     *string  `json:"publisher" db:"publisher"`
	Published     *string  `json:"published" db:"published"`
	Abridged      bool     `json:"abridged" db:"abridged"`
	FullCast      bool     `json:"full_cast" db:"full_cast"`
	ThumbnailPath *string  `json:"thumbnail_path" db:"thumbnail_path"`
	MP4Path       *string  `json:"mp4_path" db:"mp4_path"`
	HLSPath       *string  `json:"hls_path" db:"hls_path"`
	InsertedAt    int64    `json:"inserted_at" db:"inserted_at"`
	UpdatedAt     int64    `json:"updated_at" db:"updated_at"`
}

type BookAuthor struct {
	ID         string `json:"id" db:"id"`
	BookID     string `json:"book_id" db:"book_id"`
	AuthorID   string `json:"author_id" db:"author_id"`
	InsertedAt int64  `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
}

type SeriesBook struct {
	ID         string `json:"id" db:"id"`
	SeriesID   string `json:"series_id" db:"series_id"`
	BookID     string `json:"book_id" db:"book_id"`
	BookNumber string `json:"book_number" db:"book_number"`
	InsertedAt int64  `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
}

type MediaNarrator struct {
	ID         string `json:"id" db:"id"`
	MediaID    string `json:"media_id" db:"media_id"`
	NarratorID string `json:"narrator_id" db:"narrator_id"`
	InsertedAt int64  `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  int64  `json:"updated_at" db:"updated_at"`
}

// Tombstone marks a deleted entity.
type Tombstone struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
	DeletedAt  int64  `json:"deleted_at"`
}

// LibraryChanges is the library-scope "changes since" payload.
type LibraryChanges struct {
	People         []Person        `json:"people"`
	Books          []Book          `json:"books"`
	Series         []Series        `json:"series"`
	Authors        []Author        `json:"authors"`
	Narrators      []Narrator      `json:"narrators"`
	Media          []Media         `json:"media"`
	BookAuthors    []BookAuthor    `json:"book_authors"`
	SeriesBooks    []SeriesBook    `json:"series_books"`
	MediaNarrators []MediaNarrator `json:"media_narrators"`
	Deletions      []Tombstone     `json:"deletions"`
	ServerTime     int64           `json:"server_time"`
}

// Empty reports whether the payload carries no upserts or deletions.
func (c *LibraryChanges) Empty() bool {
	return len(c.People)+len(c.Books)+len(c.Series)+len(c.Authors)+len(c.Narrators)+
		len(c.Media)+len(c.BookAuthors)+len(c.SeriesBooks)+len(c.MediaNarrators)+len(c.Deletions) == 0
}
