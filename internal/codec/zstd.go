package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionLevel is the zstd level archives are created with.
	CompressionLevel = 15
	// WindowLog is the window-size exponent archives are created with.
	WindowLog uint = 27
	// DecodeWindowLogMax is the default decoder window ceiling exponent.
	DecodeWindowLogMax uint = 31

	MinWindowLog       uint = 10
	MaxEncodeWindowLog uint = 29
	MaxDecodeWindowLog uint = 41

	writeBufferSize = 1 << 20
)

// ErrDecode marks failures while reading a compressed stream.
var ErrDecode = errors.New("zstd decode failed")

// SetupError reports an encoder or decoder that could not be configured.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("zstd %s setup: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// EncoderOptions are the compression parameters of a stream.
type EncoderOptions struct {
	Level     int
	WindowLog uint
	Checksum  bool
}

// DefaultEncoderOptions returns the parameters archives are created with.
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		Level:     CompressionLevel,
		WindowLog: WindowLog,
		Checksum:  true,
	}
}

// Encoder compresses everything written to it into a single zstd frame.
type Encoder struct {
	zw *zstd.Encoder
	bw *bufio.Writer
}

// EncodeStream wraps w with a buffered zstd encoder. The caller keeps
// ownership of w; Finish must be called to complete the frame.
func EncodeStream(w io.Writer, opts EncoderOptions) (*Encoder, error) {
	if opts.WindowLog < MinWindowLog || opts.WindowLog > MaxEncodeWindowLog {
		return nil, &SetupError{
			Op:  "encoder",
			Err: fmt.Errorf("window log %d outside [%d, %d]", opts.WindowLog, MinWindowLog, MaxEncodeWindowLog),
		}
	}

	bw := bufio.NewWriterSize(w, writeBufferSize)
	zw, err := zstd.NewWriter(bw,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithWindowSize(1<<opts.WindowLog),
		zstd.WithEncoderCRC(opts.Checksum),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, &SetupError{Op: "encoder", Err: err}
	}
	return &Encoder{zw: zw, bw: bw}, nil
}

func (e *Encoder) Write(p []byte) (int, error) {
	return e.zw.Write(p)
}

// Finish closes the frame and flushes buffered output to the sink.
func (e *Encoder) Finish() error {
	if err := e.zw.Close(); err != nil {
		return err
	}
	return e.bw.Flush()
}

// Decoder decompresses a zstd stream.
type Decoder struct {
	zr *zstd.Decoder
}

// DecodeStream wraps r with a zstd decoder that accepts frames whose window
// is at most 1<<windowLogMax bytes.
func DecodeStream(r io.Reader, windowLogMax uint) (*Decoder, error) {
	if windowLogMax < MinWindowLog || windowLogMax > MaxDecodeWindowLog {
		return nil, &SetupError{
			Op:  "decoder",
			Err: fmt.Errorf("window log max %d outside [%d, %d]", windowLogMax, MinWindowLog, MaxDecodeWindowLog),
		}
	}

	zr, err := zstd.NewReader(r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxWindow(uint64(1)<<windowLogMax),
		zstd.WithDecoderMaxMemory(uint64(1)<<MaxDecodeWindowLog),
	)
	if err != nil {
		return nil, &SetupError{Op: "decoder", Err: err}
	}
	return &Decoder{zr: zr}, nil
}

func (d *Decoder) Read(p []byte) (int, error) {
	n, err := d.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return n, err
}

// Close releases the decoder. It does not close the underlying reader.
func (d *Decoder) Close() {
	d.zr.Close()
}
