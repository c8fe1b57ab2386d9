// Package source opens the compressed byte stream an archive is restored
// from: a local file, an HTTP(S) download or an S3 object.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dbutils/internal/circuitbreaker"
	"dbutils/internal/config"
	"dbutils/internal/metrics"
)

// Source kinds, also used as metric labels.
const (
	KindFile = "file"
	KindHTTP = "http"
	KindS3   = "s3"
)

var (
	// ErrNoInput means neither a URL nor a file was given.
	ErrNoInput = errors.New("one of url or file is required")
	// ErrAmbiguousInput means both a URL and a file were given.
	ErrAmbiguousInput = errors.New("url and file are mutually exclusive")
)

// Source is an opened input stream. Size reports the total length when the
// source knows it up front.
type Source interface {
	io.ReadCloser
	Size() (int64, bool)
	Kind() string
}

// Input names where an archive is read from.
type Input struct {
	Kind     string
	Location string // file path or URL

	bucket string
	key    string
}

func (in Input) String() string {
	return in.Location
}

// ParseInput validates that exactly one of rawURL and file is set and
// classifies it. Accepted URL schemes are http, https and s3.
func ParseInput(rawURL, file string) (Input, error) {
	switch {
	case rawURL == "" && file == "":
		return Input{}, ErrNoInput
	case rawURL != "" && file != "":
		return Input{}, ErrAmbiguousInput
	case file != "":
		return Input{Kind: KindFile, Location: file}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Input{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return Input{}, fmt.Errorf("invalid url %q: missing host", rawURL)
		}
		return Input{Kind: KindHTTP, Location: rawURL}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Input{}, fmt.Errorf("invalid url %q: want s3://bucket/key", rawURL)
		}
		return Input{Kind: KindS3, Location: rawURL, bucket: u.Host, key: key}, nil
	default:
		return Input{}, fmt.Errorf("invalid url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
}

// RequestError reports a source that could not be opened.
type RequestError struct {
	Kind       string
	Location   string
	StatusCode int // HTTP status for non-2xx responses, 0 otherwise
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("open %s source %s: unexpected status %d", e.Kind, e.Location, e.StatusCode)
	}
	return fmt.Sprintf("open %s source %s: %v", e.Kind, e.Location, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StreamError reports a failure while reading an opened source.
type StreamError struct {
	Kind string
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read %s source: %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Option configures an Opener
type Option func(*Opener)

// WithHTTPClient replaces the client used for HTTP(S) sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opener) { o.httpClient = c }
}

// WithS3Client replaces the lazily built S3 client.
func WithS3Client(api S3API) Option {
	return func(o *Opener) {
		o.newS3 = func(context.Context) (S3API, error) { return api, nil }
	}
}

// Opener opens inputs. Remote requests go through per-backend circuit breakers.
type Opener struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	httpClient  *http.Client
	httpBreaker *circuitbreaker.Breaker
	s3Breaker   *circuitbreaker.Breaker

	newS3    func(context.Context) (S3API, error)
	s3Once   sync.Once
	s3Client S3API
	s3Err    error
}

// NewOpener creates an Opener from configuration
func NewOpener(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics, opts ...Option) *Opener {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.HTTPTimeout

	o := &Opener{
		logger:      logger,
		metrics:     m,
		httpClient:  &http.Client{Transport: transport},
		httpBreaker: circuitbreaker.New(KindHTTP, cfg, m, logger),
		s3Breaker:   circuitbreaker.New(KindS3, cfg, m, logger),
		newS3: func(ctx context.Context) (S3API, error) {
			return NewS3Client(ctx, cfg)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open opens in and wraps it with progress and completion logging. ctx
// governs request setup and, for remote sources, the body reads.
func (o *Opener) Open(ctx context.Context, in Input) (Source, error) {
	start := time.Now()
	resultLabel := "error"
	defer func() {
		o.metrics.SourceFetchDuration.WithLabelValues(in.Kind, resultLabel).Observe(time.Since(start).Seconds())
	}()

	var (
		raw *rawSource
		err error
	)
	switch in.Kind {
	case KindFile:
		raw, err = o.openFile(in)
	case KindHTTP:
		raw, err = o.openHTTP(ctx, in)
	case KindS3:
		raw, err = o.openS3(ctx, in)
	default:
		err = &RequestError{Kind: in.Kind, Location: in.Location, Err: fmt.Errorf("unknown source kind %q", in.Kind)}
	}
	if err != nil {
		return nil, err
	}

	resultLabel = "success"
	if size, ok := raw.Size(); ok {
		o.logger.Info("opened input", zap.String("source", in.Kind), zap.String("location", in.Location), zap.Int64("bytes", size))
	} else {
		o.logger.Info("opened input", zap.String("source", in.Kind), zap.String("location", in.Location))
	}
	return newTrackedSource(o.logger, o.metrics, raw), nil
}

func (o *Opener) openFile(in Input) (*rawSource, error) {
	f, err := os.Open(in.Location)
	if err != nil {
		return nil, &RequestError{Kind: KindFile, Location: in.Location, Err: err}
	}

	raw := &rawSource{ReadCloser: f, kind: KindFile}
	// A failed stat only disables progress reporting.
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		raw.size, raw.known = info.Size(), true
	}
	return raw, nil
}

func (o *Opener) openHTTP(ctx context.Context, in Input) (*rawSource, error) {
	result, err := o.httpBreaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.Location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, &RequestError{
				Kind:       KindHTTP,
				Location:   in.Location,
				StatusCode: resp.StatusCode,
				Err:        errors.New(resp.Status),
			}
		}
		return resp, nil
	})
	if err != nil {
		return nil, asRequestError(KindHTTP, in.Location, err)
	}

	resp := result.(*http.Response)
	raw := &rawSource{ReadCloser: resp.Body, kind: KindHTTP}
	if resp.ContentLength >= 0 {
		raw.size, raw.known = resp.ContentLength, true
	}
	return raw, nil
}

func asRequestError(kind, location string, err error) error {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return &RequestError{Kind: kind, Location: location, Err: err}
}

// rawSource is an opened stream before progress tracking is attached.
type rawSource struct {
	io.ReadCloser
	kind  string
	size  int64
	known bool
}

func (r *rawSource) Size() (int64, bool) { return r.size, r.known }
