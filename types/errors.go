package types

import (
	"errors"
	"fmt"
)

// ConfigurationError is raised before any network access: bad date range,
// unknown source name, invalid config file.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NetworkError is a failed fetch from an OAI repository.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("harvest from %s failed: %v", e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error { return e.Err }

// IntegrityError means a chunk or artifact lost the record/identifier
// correspondence, or could not be parsed to establish it.
type IntegrityError struct {
	Path        string
	Records     int
	Identifiers int
	Err         error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: cannot correlate records and identifiers: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s holds %d records but %d identifiers", e.Path, e.Records, e.Identifiers)
}

// Unwrap returns the underlying error.
func (e *IntegrityError) Unwrap() error { return e.Err }

// StageFatalError means a stage could not produce any output.
type StageFatalError struct {
	Stage string
	Err   error
}

func (e *StageFatalError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageFatalError) Unwrap() error { return e.Err }

// UploadError is a failed submission to the storage sink.
// Partial is set when earlier submissions of the same source already succeeded.
type UploadError struct {
	File    string
	Partial bool
	Err     error
}

func (e *UploadError) Error() string {
	if e.Partial {
		return fmt.Sprintf("partial upload of %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("upload of %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *UploadError) Unwrap() error { return e.Err }

// ErrStopRequested is returned at a checkpoint after the supervisor asked to stop.
var ErrStopRequested = errors.New("stop requested by supervisor")

// Classify maps an error to the level it sets on its source.
func Classify(err error) Level {
	if err == nil {
		return LevelNone
	}
	var (
		integrity *IntegrityError
		stage     *StageFatalError
		upload    *UploadError
	)
	switch {
	case errors.As(err, &integrity), errors.As(err, &stage):
		return LevelFatal
	case errors.As(err, &upload):
		if upload.Partial {
			return LevelFatal
		}
		return LevelRecoverable
	default:
		return LevelRecoverable
	}
}
