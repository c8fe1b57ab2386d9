package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"dbutils/internal/config"
	"dbutils/internal/metrics"
)

// Shared metrics instance to avoid duplicate registration
var sharedMetrics = metrics.New()

func testConfig() *config.Config {
	return &config.Config{
		HTTPTimeout:               5 * time.Second,
		S3Region:                  "us-east-1",
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     time.Second,
		CircuitBreakerMaxRequests: 1,
	}
}

func newTestOpener(logger *zap.Logger, opts ...Option) *Opener {
	return NewOpener(logger, testConfig(), sharedMetrics, opts...)
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		file     string
		wantKind string
		wantErr  error
		anyErr   bool
	}{
		{name: "file", file: "/srv/storage.tar.zst", wantKind: KindFile},
		{name: "http", url: "http://peer:8080/archive", wantKind: KindHTTP},
		{name: "https upper case scheme", url: "HTTPS://peer/archive", wantKind: KindHTTP},
		{name: "s3", url: "s3://snapshots/mainnet/storage.tar.zst", wantKind: KindS3},
		{name: "neither", wantErr: ErrNoInput},
		{name: "both", url: "http://peer/archive", file: "a.tar.zst", wantErr: ErrAmbiguousInput},
		{name: "ftp", url: "ftp://peer/archive", anyErr: true},
		{name: "http without host", url: "http:///archive", anyErr: true},
		{name: "s3 without key", url: "s3://snapshots", anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseInput(tt.url, tt.file)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantKind, in.Kind)
			}
		})
	}

	in, err := ParseInput("s3://snapshots/mainnet/storage.tar.zst", "")
	require.NoError(t, err)
	assert.Equal(t, "snapshots", in.bucket)
	assert.Equal(t, "mainnet/storage.tar.zst", in.key)
}

func TestOpenFile(t *testing.T) {
	payload := bytes.Repeat([]byte("frame"), 2000)
	path := filepath.Join(t.TempDir(), "storage.tar.zst")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	core, logs := observer.New(zap.InfoLevel)
	src, err := newTestOpener(zap.New(core)).Open(context.Background(), Input{Kind: KindFile, Location: path})
	require.NoError(t, err)

	size, ok := src.Size()
	assert.True(t, ok)
	assert.Equal(t, int64(len(payload)), size)
	assert.Equal(t, KindFile, src.Kind())

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, src.Close())

	assert.Equal(t, 20, logs.FilterMessageSnippet("File reading").FilterMessageSnippet("% complete").Len())
	assert.Equal(t, 1, logs.FilterMessage("File reading 100% complete").Len())
	assert.Equal(t, 1, logs.FilterMessage("File reading complete").Len(), "completion must be logged once")
}

func TestOpenMissingFile(t *testing.T) {
	_, err := newTestOpener(zap.NewNop()).Open(context.Background(),
		Input{Kind: KindFile, Location: filepath.Join(t.TempDir(), "missing.tar.zst")})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, KindFile, reqErr.Kind)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenHTTP(t *testing.T) {
	payload := bytes.Repeat([]byte{0x28, 0xb5, 0x2f, 0xfd}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	in, err := ParseInput(srv.URL+"/archive", "")
	require.NoError(t, err)

	src, err := newTestOpener(zap.New(core)).Open(context.Background(), in)
	require.NoError(t, err)
	defer src.Close()

	size, ok := src.Size()
	assert.True(t, ok)
	assert.Equal(t, int64(len(payload)), size)

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, logs.FilterMessage("Network reading 100% complete").Len())
	assert.Equal(t, 1, logs.FilterMessage("Network reading complete").Len())
}

func TestOpenHTTPUnknownLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chunk one "))
		w.(http.Flusher).Flush()
		w.Write([]byte("chunk two"))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	src, err := newTestOpener(zap.New(core)).Open(context.Background(), Input{Kind: KindHTTP, Location: srv.URL})
	require.NoError(t, err)

	_, ok := src.Size()
	assert.False(t, ok)

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "chunk one chunk two", string(got))
	require.NoError(t, src.Close())

	assert.Zero(t, logs.FilterMessageSnippet("% complete").Len())
	assert.Equal(t, 1, logs.FilterMessage("Network reading complete").Len())
}

func TestOpenHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no snapshot", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestOpener(zap.NewNop()).Open(context.Background(), Input{Kind: KindHTTP, Location: srv.URL})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Contains(t, err.Error(), "404")
}

func TestOpenHTTPConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestOpener(zap.NewNop()).Open(context.Background(), Input{Kind: KindHTTP, Location: url})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Zero(t, reqErr.StatusCode)
}

func TestOpenHTTPBodyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more than is sent so the client sees a truncated body.
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	src, err := newTestOpener(zap.NewNop()).Open(context.Background(), Input{Kind: KindHTTP, Location: srv.URL})
	require.NoError(t, err)
	defer src.Close()

	_, err = io.ReadAll(src)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, KindHTTP, streamErr.Kind)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type fakeS3 struct {
	body  string
	err   error
	input *s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(f.body)),
		ContentLength: aws.Int64(int64(len(f.body))),
	}, nil
}

func TestOpenS3(t *testing.T) {
	fake := &fakeS3{body: "compressed archive bytes"}
	in, err := ParseInput("s3://snapshots/mainnet/storage.tar.zst", "")
	require.NoError(t, err)

	src, err := newTestOpener(zap.NewNop(), WithS3Client(fake)).Open(context.Background(), in)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "snapshots", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "mainnet/storage.tar.zst", aws.ToString(fake.input.Key))

	size, ok := src.Size()
	assert.True(t, ok)
	assert.Equal(t, int64(len(fake.body)), size)

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, fake.body, string(got))
}

func TestOpenS3MissingObject(t *testing.T) {
	fake := &fakeS3{err: &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}}
	in, err := ParseInput("s3://snapshots/missing.tar.zst", "")
	require.NoError(t, err)

	_, err = newTestOpener(zap.NewNop(), WithS3Client(fake)).Open(context.Background(), in)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, KindS3, reqErr.Kind)
	assert.Contains(t, err.Error(), "NoSuchKey")

	var apiErr smithy.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestNewS3Client_UsePathStyle(t *testing.T) {
	for _, usePathStyle := range []bool{true, false} {
		cfg := testConfig()
		cfg.S3Endpoint = "http://minio:9000" // never called
		cfg.S3AccessKeyID = "test-access-key"
		cfg.S3SecretAccessKey = "test-secret-key"
		cfg.S3UsePathStyle = usePathStyle

		client, err := NewS3Client(context.Background(), cfg)
		require.NoError(t, err)

		opts := client.Options()
		assert.Equal(t, usePathStyle, opts.UsePathStyle)
		assert.Equal(t, "http://minio:9000", aws.ToString(opts.BaseEndpoint))
	}
}
