package triage

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/loandesk/internal/extcall"
	"github.com/linnemanlabs/loandesk/internal/mailparse"
)

var (
	ErrInvalidFormat     = mailparse.ErrInvalidFormat
	ErrDecode            = mailparse.ErrDecode
	ErrExternalService   = extcall.ErrExternalService
	ErrResponseParse     = errors.New("model response is not valid JSON")
	ErrNotFound          = errors.New("service request not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("status transition not allowed")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageExtract       Stage = "extract"
	StageDedup         Stage = "dedup"
	StageClassify      Stage = "classify"
	StageExtractFields Stage = "extract_fields"
	StagePersist       Stage = "persist"
)

// StageError wraps a pipeline failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// maxExcerpt bounds the raw model output kept on a ResponseParseError.
const maxExcerpt = 200

// ResponseParseError carries a truncated excerpt of unparsable model output.
type ResponseParseError struct {
	Stage   Stage
	Excerpt string
	Err     error
}

func (e *ResponseParseError) Error() string {
	return fmt.Sprintf("%s response: %v: %q", e.Stage, e.Err, e.Excerpt)
}

func (e *ResponseParseError) Unwrap() []error { return []error{ErrResponseParse, e.Err} }
