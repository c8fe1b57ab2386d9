package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dbutils/internal/auth"
	"dbutils/internal/metrics"
	"dbutils/internal/models"
)

// ArchiveResource is the name signed links are issued for.
const ArchiveResource = "archive"

// Streamer writes a compressed archive of a directory to w.
type Streamer interface {
	CreateArchiveStream(dbDir string, w io.Writer) (*models.ArchiveSummary, error)
}

// ArchiveHandler streams a fresh archive of the storage directory
type ArchiveHandler struct {
	logger      *zap.Logger
	archiver    Streamer
	dbDir       string
	verifier    *auth.Verifier
	metrics     *metrics.Metrics
	sem         *semaphore.Weighted // nil = unlimited
	archiveName string
	appendYMD   bool
	now         func() time.Time
}

// NewArchiveHandler creates a new archive handler. maxActive bounds concurrent
// streams; 0 means unlimited.
func NewArchiveHandler(
	logger *zap.Logger,
	archiver Streamer,
	dbDir string,
	verifier *auth.Verifier,
	m *metrics.Metrics,
	maxActive int,
	archiveName string,
	appendYMD bool,
) *ArchiveHandler {
	h := &ArchiveHandler{
		logger:      logger,
		archiver:    archiver,
		dbDir:       dbDir,
		verifier:    verifier,
		metrics:     m,
		archiveName: archiveName,
		appendYMD:   appendYMD,
		now:         time.Now,
	}
	if maxActive > 0 {
		h.sem = semaphore.NewWeighted(int64(maxActive))
	}
	return h
}

// Archive handles GET /archive
func (h *ArchiveHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With(zap.String("request_id", GetRequestID(ctx)))

	query := r.URL.Query()
	if err := h.verifier.Verify(ArchiveResource, query.Get("expiry"), query.Get("signature")); err != nil {
		statusCode := http.StatusUnauthorized
		if errors.Is(err, auth.ErrExpired) {
			statusCode = http.StatusGone
			logger.Warn("expired request")
		} else {
			logger.Warn("verification failed", zap.Error(err))
		}
		h.fail(w, err.Error(), statusCode)
		return
	}

	if h.sem != nil {
		if !h.sem.TryAcquire(1) {
			logger.Warn("rejecting archive request, too many active streams")
			w.Header().Set("Retry-After", "60")
			h.fail(w, "too many active archive streams", http.StatusTooManyRequests)
			return
		}
		defer h.sem.Release(1)
	}

	filename := h.filename()
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	logger.Info("streaming archive", zap.String("db", h.dbDir), zap.String("filename", filename))

	out := &models.ByteCounter{Writer: w}
	summary, err := h.archiver.CreateArchiveStream(h.dbDir, out)
	if ctx.Err() != nil {
		h.metrics.ClientDisconnectsTotal.Inc()
		logger.Warn("client disconnected", zap.Error(ctx.Err()))
	}

	if err != nil {
		logger.Error("archive stream failed", zap.Int64("bytes_sent", out.Count), zap.Error(err))
		if out.Count == 0 {
			h.fail(w, "failed to create archive", http.StatusInternalServerError)
			return
		}
		h.metrics.RequestsTotal.WithLabelValues("500").Inc()
		// The status line is gone; drop the connection so the client sees a
		// truncated transfer instead of a clean end of stream.
		panic(http.ErrAbortHandler)
	}

	h.metrics.RequestsTotal.WithLabelValues("200").Inc()
	logger.Info("archive streamed",
		zap.Int("files", summary.Files),
		zap.Int64("bytes_sent", out.Count),
		zap.Duration("duration", summary.Duration))
}

func (h *ArchiveHandler) fail(w http.ResponseWriter, msg string, statusCode int) {
	http.Error(w, msg, statusCode)
	h.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (h *ArchiveHandler) filename() string {
	name := sanitizeFilename(h.archiveName)
	if name == "" {
		name = "storage"
	}

	// Strip .tar.zst if present
	if strings.HasSuffix(strings.ToLower(name), ".tar.zst") {
		name = name[:len(name)-len(".tar.zst")]
	}

	if h.appendYMD {
		name += "-" + h.now().Format("20060102")
	}
	return name + ".tar.zst"
}

func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 32 || r > 126 || strings.ContainsRune(`\/:*?"<>|`, r) {
			return '_'
		}
		return r
	}, name)
	return strings.Trim(name, " .")
}
