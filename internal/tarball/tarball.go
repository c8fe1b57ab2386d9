// Package tarball serializes a single directory level into a tar stream and
// materializes such a stream back onto disk, one entry at a time.
package tarball

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"dbutils/internal/models"
	"dbutils/internal/progress"
)

var (
	// ErrExtractPathOutsideRoot means an entry would be written outside the destination.
	ErrExtractPathOutsideRoot = errors.New("extract path escapes destination root")
	// ErrInvalidEntryPath means a non-directory entry names the destination root.
	ErrInvalidEntryPath = errors.New("invalid archive entry path")
)

const copyBufferSize = 64 * 1024

// copyBufferPool reuses payload copy buffers between entries and calls.
var copyBufferPool = sync.Pool{
	New: func() any {
		return new([copyBufferSize]byte)
	},
}

// skipTypes are entry types that are never opened: opening a FIFO blocks and
// devices or sockets have no archivable content.
const skipTypes = fs.ModeNamedPipe | fs.ModeSocket | fs.ModeDevice | fs.ModeCharDevice | fs.ModeIrregular

// Pack writes every entry directly inside dir to w as a tar stream and
// terminates the stream. Subdirectories are recorded as empty directory
// entries; their contents are not descended into.
func Pack(logger *zap.Logger, dir string, w io.Writer) (*models.ArchiveSummary, error) {
	start := time.Now()
	summary := &models.ArchiveSummary{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if len(entries) == 0 {
			return nil, fmt.Errorf("read directory %s: %w", dir, err)
		}
		logger.Warn("directory listing incomplete", zap.String("dir", dir), zap.Error(err))
	}

	var total uint64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += uint64(info.Size())
		}
	}
	tracker := progress.New(total, logger, func(percent uint64) {
		logger.Info(fmt.Sprintf("Packing %d%% complete...", percent))
	})

	buf := copyBufferPool.Get().(*[copyBufferSize]byte)
	defer copyBufferPool.Put(buf)

	tw := tar.NewWriter(w)
	for _, entry := range entries {
		if entry.Type()&skipTypes != 0 {
			logger.Warn("skipping special file", zap.String("name", entry.Name()), zap.Stringer("mode", entry.Type()))
			summary.Skipped++
			continue
		}
		if _, err := entry.Info(); err != nil {
			// Entry vanished or became unreadable between listing and now.
			logger.Debug("skipping unlistable entry", zap.String("name", entry.Name()), zap.Error(err))
			summary.Skipped++
			continue
		}

		n, kind, err := appendEntry(tw, filepath.Join(dir, entry.Name()), entry.Name(), buf[:])
		if err != nil {
			return summary, err
		}
		switch kind {
		case entryFile:
			logger.Info("Added file to the archive", zap.String("name", entry.Name()), zap.Int64("bytes", n))
			summary.Files++
			summary.UncompressedBytes += n
			tracker.Advance(uint64(n))
		case entryDir:
			summary.Directories++
		default:
			logger.Warn("skipping unsupported entry", zap.String("name", entry.Name()))
			summary.Skipped++
		}
	}

	if err := tw.Close(); err != nil {
		return summary, fmt.Errorf("finish archive: %w", err)
	}
	tracker.Finish(func() {
		logger.Info("Packing complete", zap.Int("files", summary.Files), zap.Int64("bytes", summary.UncompressedBytes))
	})
	summary.Duration = time.Since(start)
	return summary, nil
}

type entryKind int

const (
	entrySkipped entryKind = iota
	entryFile
	entryDir
)

// appendEntry opens path and appends it to tw under name.
func appendEntry(tw *tar.Writer, path, name string, buf []byte) (int64, entryKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, entrySkipped, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, entrySkipped, fmt.Errorf("stat %s: %w", path, err)
	}

	switch {
	case info.Mode().IsRegular():
	case info.IsDir():
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return 0, entrySkipped, fmt.Errorf("header for %s: %w", path, err)
		}
		hdr.Name = name + "/"
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, entrySkipped, fmt.Errorf("write header for %s: %w", name, err)
		}
		return 0, entryDir, nil
	default:
		return 0, entrySkipped, nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, entrySkipped, fmt.Errorf("header for %s: %w", path, err)
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, entrySkipped, fmt.Errorf("write header for %s: %w", name, err)
	}

	// The header fixed the size; a file growing underneath must not overrun it.
	n, err := io.CopyBuffer(tw, io.LimitReader(f, info.Size()), buf)
	if err != nil {
		return n, entrySkipped, fmt.Errorf("copy %s: %w", name, err)
	}
	if n != info.Size() {
		return n, entrySkipped, fmt.Errorf("copy %s: %w (shrank from %d to %d bytes)", name, io.ErrUnexpectedEOF, info.Size(), n)
	}
	return n, entryFile, nil
}

// Unpack reads a tar stream from r and writes its entries under destDir,
// creating parent directories as needed.
func Unpack(logger *zap.Logger, r io.Reader, destDir string) (*models.ArchiveSummary, error) {
	start := time.Now()
	summary := &models.ArchiveSummary{}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolve destination %s: %w", destDir, err)
	}

	buf := copyBufferPool.Get().(*[copyBufferSize]byte)
	defer copyBufferPool.Put(buf)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("read entry header: %w", err)
		}

		target, err := extractPath(root, hdr.Name)
		if err != nil {
			return summary, fmt.Errorf("entry %q: %w", hdr.Name, err)
		}
		if target == root {
			if hdr.Typeflag == tar.TypeDir {
				continue
			}
			return summary, fmt.Errorf("entry %q: %w", hdr.Name, ErrInvalidEntryPath)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return summary, fmt.Errorf("create directory %s: %w", target, err)
			}
			summary.Directories++
		case tar.TypeReg:
			n, err := writeFile(tr, target, hdr, buf[:])
			if err != nil {
				return summary, err
			}
			logger.Debug("unpacked file", zap.String("name", hdr.Name), zap.Int64("bytes", n))
			summary.Files++
			summary.UncompressedBytes += n
		default:
			logger.Warn("skipping unsupported archive entry",
				zap.String("name", hdr.Name),
				zap.String("type", string(hdr.Typeflag)))
			summary.Skipped++
		}
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

func writeFile(src io.Reader, target string, hdr *tar.Header, buf []byte) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", target, err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, hdr.FileInfo().Mode().Perm()|0o600)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.CopyBuffer(f, src, buf)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", target, err)
	}

	if !hdr.ModTime.IsZero() {
		if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			return n, fmt.Errorf("set times on %s: %w", target, err)
		}
	}
	return n, nil
}

// extractPath resolves an entry name below root, rejecting absolute names
// and names that climb out of it. Names that normalize to "." yield root.
func extractPath(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return root, nil
	}
	if !filepath.IsLocal(clean) {
		return "", ErrExtractPathOutsideRoot
	}
	return filepath.Join(root, clean), nil
}
