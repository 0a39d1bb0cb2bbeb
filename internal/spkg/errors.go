package spkg

import (
	"errors"
	"fmt"
)

var (
	ErrPrefixUnset      = errors.New("SAGE_LOCAL is not set")
	ErrDistfilesUnset   = errors.New("SAGE_DISTFILES is not set")
	ErrUnsafePath       = errors.New("refusing to operate on unsafe path")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrNoChecksum       = errors.New("no checksum recorded")
	ErrNothingStaged    = errors.New("install steps staged no files")
	ErrUnstagedWrite    = errors.New("install steps wrote into the prefix instead of DESTDIR")
)

// Stage names the orchestrator phase an error came from.
type Stage int

const (
	StageEnvironment Stage = iota
	StageAcquisition
	StagePatch
	StageBuild
	StageInstall
	StagePackaging
)

func (s Stage) String() string {
	switch s {
	case StageEnvironment:
		return "environment"
	case StageAcquisition:
		return "acquisition"
	case StagePatch:
		return "patch"
	case StageBuild:
		return "build"
	case StageInstall:
		return "install"
	case StagePackaging:
		return "packaging"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError is returned by Orchestrator.Run for every failure.
type StageError struct {
	Stage   Stage
	Package string
	Err     error
}

func (e *StageError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Package, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, pkg string, err error) error {
	return &StageError{Stage: stage, Package: pkg, Err: err}
}

// StageOf reports the stage of err, if it carries one.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}

// PatchError names the patch that did not apply.
type PatchError struct {
	Patch string
	Err   error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch %s failed to apply: %v", e.Patch, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }
