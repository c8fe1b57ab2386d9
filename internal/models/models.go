package models

import (
	"io"
	"time"
)

// ArchiveSummary describes one finished create or unpack run
type ArchiveSummary struct {
	Files             int           `json:"files"`
	Directories       int           `json:"directories"`
	Skipped           int           `json:"skipped"`
	UncompressedBytes int64         `json:"uncompressed_bytes"`
	CompressedBytes   int64         `json:"compressed_bytes"`
	Duration          time.Duration `json:"duration"`
}

// CompressionRatio returns compressed/uncompressed, or 0 when nothing was archived
func (s *ArchiveSummary) CompressionRatio() float64 {
	if s == nil || s.UncompressedBytes == 0 {
		return 0
	}
	return float64(s.CompressedBytes) / float64(s.UncompressedBytes)
}

// ByteCounter wraps an io.Writer and counts bytes written
type ByteCounter struct {
	Writer io.Writer
	Count  int64
}

func (bc *ByteCounter) Write(p []byte) (int, error) {
	n, err := bc.Writer.Write(p)
	bc.Count += int64(n)
	return n, err
}

// ReadCounter wraps an io.Reader and counts bytes read
type ReadCounter struct {
	Reader io.Reader
	Count  int64
}

func (rc *ReadCounter) Read(p []byte) (int, error) {
	n, err := rc.Reader.Read(p)
	rc.Count += int64(n)
	return n, err
}
