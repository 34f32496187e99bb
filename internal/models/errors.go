package models

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Every error leaving a pipeline unwraps to one of
// these.
var (
	ErrSourceRead          = errors.New("source read error")
	ErrUploadRejected      = errors.New("upload rejected")
	ErrUploadUnavailable   = errors.New("upload unavailable")
	ErrBlobMissing         = errors.New("blob missing")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrDownloadRejected    = errors.New("download rejected")
	ErrDownloadUnavailable = errors.New("download unavailable")
	ErrFileNotFound        = errors.New("file not found")
	ErrIndexCorruption     = errors.New("index corruption")
	ErrDirectory           = errors.New("directory error")
	ErrNotPending          = errors.New("file is not pending")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Pipeline stages reported by StageError
const (
	StageBegin    = "begin"
	StageSplit    = "split"
	StageUpload   = "upload"
	StageCommit   = "commit"
	StageLookup   = "lookup"
	StageDownload = "download"
	StageDecode   = "decode"
	StageVerify   = "verify"
	StageWrite    = "write"
)

// StageError records the furthest stage a pipeline reached before failing.
// Index is -1 when the failure is not tied to one chunk; Total is -1 when
// the chunk count is not known.
type StageError struct {
	Stage  string
	FileID string
	Index  int
	Total  int
	Err    error
}

// Error returns the error message
func (e *StageError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	if e.Total < 0 {
		return fmt.Sprintf("%s: chunk %d: %v", e.Stage, e.Index+1, e.Err)
	}
	return fmt.Sprintf("%s: chunk %d/%d: %v", e.Stage, e.Index+1, e.Total, e.Err)
}

// Unwrap returns the underlying error
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with stage context. A nil err stays nil.
func NewStageError(stage, fileID string, index, total int, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{
		Stage:  stage,
		FileID: fileID,
		Index:  index,
		Total:  total,
		Err:    err,
	}
}
