// Package archive creates and restores compressed archives of a storage
// directory in bounded memory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"dbutils/internal/codec"
	"dbutils/internal/metrics"
	"dbutils/internal/models"
	"dbutils/internal/ringbuf"
	"dbutils/internal/source"
	"dbutils/internal/tarball"
)

// DefaultBufferSize is the ring buffer capacity between packer and compressor.
const DefaultBufferSize = 8 << 20

// packDir runs on the worker goroutine; tests replace it.
var packDir = tarball.Pack

// Operation labels used in errors, logs and metrics.
const (
	OpCreate = "create"
	OpStream = "stream"
	OpUnpack = "unpack"
	OpFetch  = "fetch"
)

// DestinationMode controls what CreateArchive does with an existing file.
type DestinationMode int

const (
	// CreateNew fails when the destination exists.
	CreateNew DestinationMode = iota
	// Overwrite truncates an existing destination file.
	Overwrite
)

func (m DestinationMode) String() string {
	if m == Overwrite {
		return "overwrite"
	}
	return "create-new"
}

// Options configure an Archiver. Zero values select the defaults.
type Options struct {
	BufferSize         int
	Encoder            codec.EncoderOptions
	DecodeWindowLogMax uint
	Opener             *source.Opener
}

// Archiver runs archive operations.
type Archiver struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
}

// New creates an Archiver
func New(logger *zap.Logger, m *metrics.Metrics, opts Options) *Archiver {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Encoder == (codec.EncoderOptions{}) {
		opts.Encoder = codec.DefaultEncoderOptions()
	}
	if opts.DecodeWindowLogMax == 0 {
		opts.DecodeWindowLogMax = codec.DecodeWindowLogMax
	}
	return &Archiver{logger: logger, metrics: m, opts: opts}
}

// CreateArchive writes a compressed archive of dbDir to destPath. The
// destination is validated before anything is packed. A failed run leaves
// whatever was written in place.
func (a *Archiver) CreateArchive(dbDir, destPath string, mode DestinationMode) (summary *models.ArchiveSummary, err error) {
	start := time.Now()
	defer func() { a.record(OpCreate, summary, err, start) }()

	if err := checkDestinationFile(destPath, mode); err != nil {
		return nil, &Error{Op: OpCreate, Stage: StageDestination, Err: err}
	}
	if err := checkSourceDir(dbDir); err != nil {
		return nil, &Error{Op: OpCreate, Stage: StageSource, Err: err}
	}
	// The listing would otherwise include the half-written archive itself.
	if err := checkOutsideDir(destPath, dbDir); err != nil {
		return nil, &Error{Op: OpCreate, Stage: StageDestination, Err: err}
	}

	f, err := openDestinationFile(destPath, mode)
	if err != nil {
		return nil, &Error{Op: OpCreate, Stage: StageDestination, Err: err}
	}

	a.logger.Info("creating archive",
		zap.String("db", dbDir),
		zap.String("output", destPath),
		zap.Stringer("mode", mode))

	summary, err = a.pipeline(OpCreate, dbDir, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = &Error{Op: OpCreate, Stage: StageStreaming, Err: closeErr}
	}
	if err != nil {
		return summary, err
	}

	a.logger.Info("Archive created",
		zap.String("output", destPath),
		zap.Int("files", summary.Files),
		zap.Int64("uncompressed_bytes", summary.UncompressedBytes),
		zap.Int64("compressed_bytes", summary.CompressedBytes),
		zap.Float64("ratio", summary.CompressionRatio()),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// CreateArchiveStream writes a compressed archive of dbDir to w. w is not
// closed.
func (a *Archiver) CreateArchiveStream(dbDir string, w io.Writer) (summary *models.ArchiveSummary, err error) {
	start := time.Now()
	defer func() { a.record(OpStream, summary, err, start) }()

	if err := checkSourceDir(dbDir); err != nil {
		return nil, &Error{Op: OpStream, Stage: StageSource, Err: err}
	}
	return a.pipeline(OpStream, dbDir, w)
}

type packResult struct {
	summary  *models.ArchiveSummary
	err      error
	panicked bool
}

// pipeline packs dbDir on a worker goroutine into the ring buffer while the
// calling goroutine compresses the buffer's contents into w.
func (a *Archiver) pipeline(op, dbDir string, w io.Writer) (*models.ArchiveSummary, error) {
	start := time.Now()
	a.metrics.ActiveStreams.Inc()
	defer a.metrics.ActiveStreams.Dec()

	counter := &models.ByteCounter{Writer: w}
	enc, err := codec.EncodeStream(counter, a.opts.Encoder)
	if err != nil {
		return nil, &Error{Op: op, Stage: StageCodec, Err: err}
	}

	producer, consumer := ringbuf.New(a.opts.BufferSize).Split()
	done := make(chan packResult, 1)

	go func() {
		var res packResult
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
				res.panicked = true
			}
			producer.Close()
			done <- res
		}()
		res.summary, res.err = packDir(a.logger, dbDir, producer)
	}()

	_, copyErr := io.Copy(enc, consumer)
	if copyErr == nil {
		copyErr = enc.Finish()
	}
	// Unblocks a worker waiting for free space.
	consumer.Close()
	res := <-done

	summary := res.summary
	if summary == nil {
		summary = &models.ArchiveSummary{}
	}
	summary.CompressedBytes = counter.Count
	summary.Duration = time.Since(start)

	switch {
	case res.panicked:
		return summary, &Error{Op: op, Stage: StageWorker, Err: res.err}
	case res.err != nil && (copyErr == nil || !errors.Is(res.err, ringbuf.ErrConsumerClosed)):
		return summary, &Error{Op: op, Stage: StagePack, Err: res.err}
	case copyErr != nil:
		return summary, &Error{Op: op, Stage: StageStreaming, Err: copyErr}
	}
	return summary, nil
}

// UnpackArchive restores the archive named by in into destDir, which must
// be absent or an empty directory. The destination is validated before the
// input is opened. ctx bounds remote requests.
func (a *Archiver) UnpackArchive(ctx context.Context, in source.Input, destDir string) (summary *models.ArchiveSummary, err error) {
	start := time.Now()
	defer func() { a.record(OpUnpack, summary, err, start) }()

	if err := prepareDestinationDir(destDir); err != nil {
		return nil, &Error{Op: OpUnpack, Stage: StageDestination, Err: err}
	}
	if a.opts.Opener == nil {
		return nil, &Error{Op: OpUnpack, Stage: StageSource, Err: ErrNoOpener}
	}

	a.metrics.ActiveStreams.Inc()
	defer a.metrics.ActiveStreams.Dec()

	a.logger.Info("unpacking archive", zap.String("input", in.String()), zap.String("output", destDir))

	src, err := a.opts.Opener.Open(ctx, in)
	if err != nil {
		return nil, &Error{Op: OpUnpack, Stage: StageSource, Err: err}
	}
	defer src.Close()

	counter := &models.ReadCounter{Reader: src}
	dec, err := codec.DecodeStream(counter, a.opts.DecodeWindowLogMax)
	if err != nil {
		return nil, &Error{Op: OpUnpack, Stage: StageCodec, Err: err}
	}
	defer dec.Close()

	summary, err = tarball.Unpack(a.logger, dec, destDir)
	if summary != nil {
		summary.CompressedBytes = counter.Count
		summary.Duration = time.Since(start)
	}
	if err != nil {
		return summary, &Error{Op: OpUnpack, Stage: unpackStage(err), Err: err}
	}

	a.logger.Info("Archive unpacked",
		zap.String("output", destDir),
		zap.Int("files", summary.Files),
		zap.Int64("uncompressed_bytes", summary.UncompressedBytes),
		zap.Int64("compressed_bytes", summary.CompressedBytes),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// FetchArchive downloads the archive named by in to destPath. With decode set
// the zstd frame is removed and destPath receives the plain tar stream, which
// is not extracted. The destination is validated before the input is opened.
func (a *Archiver) FetchArchive(ctx context.Context, in source.Input, destPath string, mode DestinationMode, decode bool) (summary *models.ArchiveSummary, err error) {
	start := time.Now()
	defer func() { a.record(OpFetch, summary, err, start) }()

	if err := checkDestinationFile(destPath, mode); err != nil {
		return nil, &Error{Op: OpFetch, Stage: StageDestination, Err: err}
	}
	if a.opts.Opener == nil {
		return nil, &Error{Op: OpFetch, Stage: StageSource, Err: ErrNoOpener}
	}

	a.metrics.ActiveStreams.Inc()
	defer a.metrics.ActiveStreams.Dec()

	a.logger.Info("fetching archive",
		zap.String("input", in.String()),
		zap.String("output", destPath),
		zap.Bool("decode", decode))

	src, err := a.opts.Opener.Open(ctx, in)
	if err != nil {
		return nil, &Error{Op: OpFetch, Stage: StageSource, Err: err}
	}
	defer src.Close()

	counter := &models.ReadCounter{Reader: src}
	var r io.Reader = counter
	if decode {
		dec, err := codec.DecodeStream(counter, a.opts.DecodeWindowLogMax)
		if err != nil {
			return nil, &Error{Op: OpFetch, Stage: StageCodec, Err: err}
		}
		defer dec.Close()
		r = dec
	}

	f, err := openDestinationFile(destPath, mode)
	if err != nil {
		return nil, &Error{Op: OpFetch, Stage: StageDestination, Err: err}
	}

	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	summary = &models.ArchiveSummary{
		UncompressedBytes: written,
		CompressedBytes:   counter.Count,
		Duration:          time.Since(start),
	}
	if err != nil {
		return summary, &Error{Op: OpFetch, Stage: unpackStage(err), Err: err}
	}

	a.logger.Info("Archive fetched",
		zap.String("output", destPath),
		zap.Int64("bytes_written", written),
		zap.Int64("bytes_read", counter.Count),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

func unpackStage(err error) Stage {
	var streamErr *source.StreamError
	switch {
	case errors.As(err, &streamErr):
		return StageStreaming
	case errors.Is(err, codec.ErrDecode):
		return StageCodec
	default:
		return StageStreaming
	}
}

func checkDestinationFile(path string, mode DestinationMode) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case info.IsDir():
		return fmt.Errorf("%w: %s", ErrDestinationIsDir, path)
	case mode == CreateNew:
		return fmt.Errorf("%w: %s", ErrDestinationExists, path)
	}
	return nil
}

// openDestinationFile opens path for writing, refusing an existing file
// unless mode is Overwrite.
func openDestinationFile(path string, mode DestinationMode) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if mode == Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			err = fmt.Errorf("%w: %w", ErrDestinationExists, err)
		}
		return nil, err
	}
	return f, nil
}

// checkOutsideDir rejects a destination file that would be listed when dir
// is packed. Packing is not recursive, so only the parent directory matters.
func checkOutsideDir(path, dir string) error {
	parent, err := os.Stat(filepath.Dir(path))
	if err != nil {
		// A missing parent fails when the file is opened.
		return nil
	}
	src, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if os.SameFile(parent, src) {
		return fmt.Errorf("%w: %s", ErrDestinationInSource, path)
	}
	return nil
}

func checkSourceDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceNotDir, dir)
	}
	return nil
}

// prepareDestinationDir requires dir to be an empty directory, creating it
// with its parents when absent.
func prepareDestinationDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrDestinationNotDir, dir)
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.Readdirnames(1); !errors.Is(err, io.EOF) {
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrDestinationNotEmpty, dir)
	}
	return nil
}

func (a *Archiver) record(op string, summary *models.ArchiveSummary, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	a.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	a.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil || summary == nil {
		return
	}
	a.metrics.UncompressedBytesHist.Observe(float64(summary.UncompressedBytes))
	a.metrics.CompressedBytesHist.Observe(float64(summary.CompressedBytes))
	a.metrics.FilesPerArchive.Observe(float64(summary.Files))
	a.metrics.SkippedEntriesTotal.Add(float64(summary.Skipped))
	if summary.UncompressedBytes > 0 {
		a.metrics.CompressionRatio.Observe(summary.CompressionRatio())
	}
}
