package source

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"dbutils/internal/metrics"
	"dbutils/internal/progress"
)

// displayNames prefix the progress log lines of each kind.
var displayNames = map[string]string{
	KindFile: "File",
	KindHTTP: "Network",
	KindS3:   "S3",
}

// trackedSource reports read progress and logs completion exactly once.
type trackedSource struct {
	raw     *rawSource
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracker *progress.Tracker // nil when the size is unknown

	read  int64
	start time.Time
	done  bool
}

func newTrackedSource(logger *zap.Logger, m *metrics.Metrics, raw *rawSource) *trackedSource {
	s := &trackedSource{
		raw:     raw,
		logger:  logger,
		metrics: m,
		start:   time.Now(),
	}
	if size, ok := raw.Size(); ok {
		name := displayName(raw.kind)
		s.tracker = progress.New(uint64(size), logger, func(percent uint64) {
			logger.Info(fmt.Sprintf("%s reading %d%% complete", name, percent))
		})
	}
	return s
}

func displayName(kind string) string {
	if name, ok := displayNames[kind]; ok {
		return name
	}
	return kind
}

func (s *trackedSource) Read(p []byte) (int, error) {
	n, err := s.raw.Read(p)
	if n > 0 {
		s.read += int64(n)
		s.metrics.SourceBytesTotal.WithLabelValues(s.raw.kind).Add(float64(n))
		if s.tracker != nil {
			s.tracker.Advance(uint64(n))
		}
	}
	if errors.Is(err, io.EOF) {
		s.complete()
		return n, io.EOF
	}
	if err != nil {
		return n, &StreamError{Kind: s.raw.kind, Err: err}
	}
	return n, nil
}

// Close releases the underlying stream.
func (s *trackedSource) Close() error {
	s.complete()
	return s.raw.Close()
}

func (s *trackedSource) Size() (int64, bool) { return s.raw.Size() }

func (s *trackedSource) Kind() string { return s.raw.kind }

func (s *trackedSource) complete() {
	if s.done {
		return
	}
	s.done = true
	s.logger.Info(fmt.Sprintf("%s reading complete", displayName(s.raw.kind)),
		zap.Int64("bytes", s.read),
		zap.Duration("elapsed", time.Since(s.start)))
}
