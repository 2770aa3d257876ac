package domain

import (
	"time"

	"github.com/google/uuid"
)

// Post is the metadata record created for every completed upload.
type Post struct {
	PostID         uuid.UUID `json:"post_id" db:"post_id"`
	AuthorID       string    `json:"author_id" db:"author_id"`
	AuthorUsername string    `json:"author_username" db:"author_username"`
	Title          string    `json:"title" db:"title"` // profile picture of the author
	Caption        string    `json:"caption" db:"caption"`
	Content        string    `json:"content" db:"content"` // public media URL
	ObjectName     string    `json:"object_name" db:"object_name"`
	ContentType    string    `json:"content_type" db:"content_type"`
	SizeBytes      int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// FeedUpload is a parsed /uploadFeed request.
type FeedUpload struct {
	UserID      string
	UserName    string
	ProfilePic  string
	FileName    string
	Description string
	ContentType string
	Data        []byte
	HasFile     bool

	// Both set for the chunked path.
	ChunkIndex  *int
	TotalChunks *int
}

// Chunked reports whether the upload arrives in chunks.
func (u *FeedUpload) Chunked() bool {
	return u.ChunkIndex != nil && u.TotalChunks != nil
}

// FeedCreatedEvent is published once a post has been recorded.
type FeedCreatedEvent struct {
	EventID   string    `json:"event_id"`
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	FeedURL   string    `json:"feed_url"`
	CreatedAt time.Time `json:"created_at"`
}
