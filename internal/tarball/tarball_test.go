package tarball

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
}

func entryNames(t *testing.T, archive []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestPackUnpackRoundTrip(t *testing.T) {
	files := map[string][]byte{
		"data.mdb":  bytes.Repeat([]byte("page"), 100000),
		"lock.mdb":  []byte("lock"),
		"empty.bin": {},
	}

	src := t.TempDir()
	writeFiles(t, src, files)

	var archive bytes.Buffer
	summary, err := Pack(zap.NewNop(), src, &archive)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Files)
	assert.Equal(t, int64(400000+4), summary.UncompressedBytes)
	assert.Equal(t, []string{"data.mdb", "empty.bin", "lock.mdb"}, entryNames(t, archive.Bytes()))

	dst := t.TempDir()
	unpacked, err := Unpack(zap.NewNop(), bytes.NewReader(archive.Bytes()), dst)
	require.NoError(t, err)
	assert.Equal(t, 3, unpacked.Files)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(want, got), "%s content differs", name)
	}
}

func TestPackEmptyDirectory(t *testing.T) {
	var archive bytes.Buffer
	summary, err := Pack(zap.NewNop(), t.TempDir(), &archive)
	require.NoError(t, err)
	assert.Zero(t, summary.Files)
	assert.Empty(t, entryNames(t, archive.Bytes()))
	// Two zero blocks terminate the stream.
	assert.Equal(t, 1024, archive.Len())
}

func TestPackDoesNotRecurse(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string][]byte{
		"top.mdb":         []byte("top"),
		"nested/deep.mdb": []byte("deep"),
	})

	var archive bytes.Buffer
	summary, err := Pack(zap.NewNop(), src, &archive)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Files)
	assert.Equal(t, 1, summary.Directories)
	assert.Equal(t, []string{"nested/", "top.mdb"}, entryNames(t, archive.Bytes()))

	dst := t.TempDir()
	_, err = Unpack(zap.NewNop(), bytes.NewReader(archive.Bytes()), dst)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dst, "nested"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(filepath.Join(dst, "nested", "deep.mdb"))
	assert.True(t, os.IsNotExist(err))
}

func TestPackMissingDirectory(t *testing.T) {
	_, err := Pack(zap.NewNop(), filepath.Join(t.TempDir(), "missing"), io.Discard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("sink closed")
	}
	w.after--
	return len(p), nil
}

func TestPackPropagatesWriteError(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string][]byte{"data.mdb": bytes.Repeat([]byte{1}, 1<<20)})

	_, err := Pack(zap.NewNop(), src, &failingWriter{after: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink closed")
}

func buildArchive(t *testing.T, entries []*tar.Header, payloads [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i, hdr := range entries {
		require.NoError(t, tw.WriteHeader(hdr))
		if payloads[i] != nil {
			_, err := tw.Write(payloads[i])
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestUnpackRejectsEscapingPaths(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{name: "parent traversal", entry: "../evil.txt"},
		{name: "nested traversal", entry: "a/../../evil.txt"},
		{name: "absolute", entry: "/tmp/evil.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte("evil")
			archive := buildArchive(t,
				[]*tar.Header{{Name: tt.entry, Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}},
				[][]byte{payload})

			parent := t.TempDir()
			dst := filepath.Join(parent, "out")
			require.NoError(t, os.Mkdir(dst, 0o755))

			_, err := Unpack(zap.NewNop(), bytes.NewReader(archive), dst)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExtractPathOutsideRoot)

			_, statErr := os.Stat(filepath.Join(parent, "evil.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestUnpackCreatesParents(t *testing.T) {
	payload := []byte("nested")
	archive := buildArchive(t,
		[]*tar.Header{{Name: "a/b/c.mdb", Mode: 0o640, Size: int64(len(payload)), Typeflag: tar.TypeReg}},
		[][]byte{payload})

	dst := t.TempDir()
	summary, err := Unpack(zap.NewNop(), bytes.NewReader(archive), dst)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Files)

	got, err := os.ReadFile(filepath.Join(dst, "a", "b", "c.mdb"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUnpackSkipsUnsupportedEntries(t *testing.T) {
	archive := buildArchive(t,
		[]*tar.Header{
			{Name: "link", Linkname: "data.mdb", Typeflag: tar.TypeSymlink},
			{Name: "data.mdb", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg},
		},
		[][]byte{nil, []byte("x")})

	dst := t.TempDir()
	summary, err := Unpack(zap.NewNop(), bytes.NewReader(archive), dst)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Files)

	_, err = os.Lstat(filepath.Join(dst, "link"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnpackRootEntries(t *testing.T) {
	archive := buildArchive(t,
		[]*tar.Header{{Name: "./", Mode: 0o755, Typeflag: tar.TypeDir}},
		[][]byte{nil})
	_, err := Unpack(zap.NewNop(), bytes.NewReader(archive), t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{".", "sub/.."} {
		archive = buildArchive(t,
			[]*tar.Header{{Name: name, Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}},
			[][]byte{[]byte("x")})
		_, err = Unpack(zap.NewNop(), bytes.NewReader(archive), t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidEntryPath, name)
	}
}

func TestUnpackTruncatedArchive(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 4096)
	archive := buildArchive(t,
		[]*tar.Header{{Name: "data.mdb", Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}},
		[][]byte{payload})

	_, err := Unpack(zap.NewNop(), bytes.NewReader(archive[:1024]), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestExtractPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "dst")
	tests := []struct {
		name    string
		entry   string
		want    string
		wantErr error
	}{
		{name: "plain", entry: "data.mdb", want: filepath.Join(root, "data.mdb")},
		{name: "dot prefix", entry: "./data.mdb", want: filepath.Join(root, "data.mdb")},
		{name: "directory", entry: "nested/", want: filepath.Join(root, "nested")},
		{name: "inner dotdot", entry: "a/../b", want: filepath.Join(root, "b")},
		{name: "root itself", entry: "./", want: root},
		{name: "escape", entry: "../x", wantErr: ErrExtractPathOutsideRoot},
		{name: "absolute", entry: "/etc/passwd", wantErr: ErrExtractPathOutsideRoot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractPath(root, tt.entry)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
