package models

import "time"

// MaxChunkSize bounds the chunk size of any ingest. A chunk is held in
// memory whole while it is checksummed and uploaded.
const MaxChunkSize int64 = 256 << 20

// FileStatus is the ingest state of a File
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusComplete FileStatus = "complete"
	StatusFailed   FileStatus = "failed"
)

// File represents one logical stored file
type File struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ChunkSize   int64      `json:"chunk_size"`
	ChunkCount  int        `json:"chunk_count"`
	Status      FileStatus `json:"status"`
	DirectoryID string     `json:"directory_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ExpectedChunks returns ceil(Size/ChunkSize), the number of chunks a
// complete file must own.
func (f *File) ExpectedChunks() int {
	return ExpectedChunks(f.Size, f.ChunkSize)
}

// ExpectedChunks returns ceil(size/chunkSize). A zero size has zero chunks.
func ExpectedChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Chunk represents one uploaded slice of a File
type Chunk struct {
	FileID   string `json:"file_id"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Locator  string `json:"locator"`
	Encoding string `json:"encoding"`
}

// ChunkData holds chunk bytes between the splitter and the uploader
type ChunkData struct {
	Data  []byte
	Index int
	Size  int64
}

// Directory groups files. An empty ParentID is the root.
type Directory struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
