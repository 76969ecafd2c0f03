package domain

import "time"

// UploadSession tracks one in-progress chunked transfer. It lives only in
// the staging area and disappears on merge or expiry.
type UploadSession struct {
	UploadID     string    `json:"upload_id"`
	Filename     string    `json:"filename"`
	DeclaredSize int64     `json:"file_size"`
	ContentType  string    `json:"content_type,omitempty"`
	ChunkSize    int64     `json:"chunk_size"`
	TotalChunks  int       `json:"total_chunks"`
	Received     []int     `json:"received"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChunksReceived is the number of distinct indices stored so far.
func (s *UploadSession) ChunksReceived() int {
	return len(s.Received)
}

// Complete reports whether every index has arrived.
func (s *UploadSession) Complete() bool {
	return s.ChunksReceived() >= s.TotalChunks
}

// TotalChunks computes ceil(size/chunkSize).
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkReceipt is returned after every accepted chunk.
type ChunkReceipt struct {
	UploadID       string `json:"upload_id"`
	ChunksReceived int    `json:"chunks_received"`
	TotalChunks    int    `json:"total_chunks"`
	Complete       bool   `json:"complete"`
	Filename       string `json:"filename,omitempty"`
}
