package domain

import (
	"io"
	"time"
)

// SessionState is the lifecycle state of an upload session.
type SessionState string

const (
	SessionOpen       SessionState = "open"
	SessionCommitting SessionState = "committing"
	SessionCommitted  SessionState = "committed"
)

// Chunk is one transmitted fragment of a larger upload.
type Chunk struct {
	Index       int
	Total       int
	Data        []byte
	ContentType string
}

// UploadSession tracks which chunk indices have been staged for one upload.
type UploadSession struct {
	Key         string           `json:"key"`
	ObjectName  string           `json:"object_name"`
	TotalChunks int              `json:"total_chunks"`
	ContentType string           `json:"content_type"`
	Blocks      map[int]int64    `json:"blocks"` // staged index -> byte length
	State       SessionState     `json:"state"`
	Result      *FinalizedObject `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

// Complete reports whether every index in [0, TotalChunks) has been staged.
func (s *UploadSession) Complete() bool {
	if s.TotalChunks <= 0 || len(s.Blocks) != s.TotalChunks {
		return false
	}
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Blocks[i]; !ok {
			return false
		}
	}
	return true
}

// Size is the sum of the staged block lengths.
func (s *UploadSession) Size() int64 {
	var total int64
	for _, n := range s.Blocks {
		total += n
	}
	return total
}

// Clone returns a deep copy safe to hand out of a store.
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Blocks = make(map[int]int64, len(s.Blocks))
	for k, v := range s.Blocks {
		c.Blocks[k] = v
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return &c
}

// FinalizedObject is the durable, immutable result of a completed upload.
type FinalizedObject struct {
	ObjectName  string    `json:"object_name"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// RangeResponse is a bounded view over a stored object.
type RangeResponse struct {
	Start         int64
	End           int64
	TotalSize     int64
	ContentLength int64
	ContentType   string
	Body          io.ReadCloser
}
