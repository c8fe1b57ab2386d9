package archive

import (
	"errors"
	"fmt"
)

var (
	ErrDestinationExists   = errors.New("destination already exists")
	ErrDestinationIsDir    = errors.New("destination is a directory")
	ErrDestinationNotDir   = errors.New("destination is not a directory")
	ErrDestinationNotEmpty = errors.New("destination directory is not empty")
	ErrSourceNotDir        = errors.New("source is not a directory")
	ErrDestinationInSource = errors.New("destination is inside the source directory")
	ErrWorkerPanic         = errors.New("archive worker panicked")
	ErrNoOpener            = errors.New("no input opener configured")
)

// Stage is the pipeline step an Error came from.
type Stage string

const (
	StageDestination Stage = "destination"
	StageSource      Stage = "source"
	StageCodec       Stage = "codec"
	StageStreaming   Stage = "streaming"
	StagePack        Stage = "pack"
	StageWorker      Stage = "worker"
)

// Error is returned by every Archiver operation.
type Error struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s archive: %s: %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the stage of err, or "" when err is not an *Error.
func StageOf(err error) Stage {
	var archiveErr *Error
	if errors.As(err, &archiveErr) {
		return archiveErr.Stage
	}
	return ""
}
