package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrExportIO           = errors.New("manifest: export failed")
	ErrUnsupportedVersion = errors.New("manifest: unsupported format version")
	ErrInvalid            = errors.New("manifest: invalid document")
	ErrLegacyGranularity  = errors.New("manifest: legacy params need per-tensor 8-bit key and value")
)

// ExportIOError reports a destination that could not be written. Unless
// Written is set, nothing is left at the final path. Written means the
// complete file was renamed into place but the directory entry could not be
// flushed, so it may not survive a crash.
type ExportIOError struct {
	Op      string
	Path    string
	Err     error
	Written bool
}

func (e *ExportIOError) Error() string {
	return fmt.Sprintf("manifest: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExportIOError) Unwrap() []error {
	return []error{ErrExportIO, e.Err}
}

type UnsupportedVersionError struct {
	Version int
	Missing bool
}

func (e *UnsupportedVersionError) Error() string {
	if e.Missing {
		return "manifest: format_version missing"
	}
	return fmt.Sprintf("manifest: format_version %d not supported (want %d)", e.Version, FormatVersion)
}

func (e *UnsupportedVersionError) Unwrap() error {
	return ErrUnsupportedVersion
}
