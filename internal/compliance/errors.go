package compliance

import (
	"errors"
	"fmt"
)

var (
	ErrTransient  = errors.New("transient submission failure")
	ErrRejected   = errors.New("rejected by tax authority")
	ErrBadRequest = errors.New("request refused as malformed")
)

// TransientSubmissionError is a failure worth retrying: transport errors,
// timeouts, 5xx/429 answers and authority-side errors.
type TransientSubmissionError struct {
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransientSubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrTransient, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrTransient, e.Err)
}

func (e *TransientSubmissionError) Unwrap() error { return e.Err }

func (e *TransientSubmissionError) Is(target error) bool { return target == ErrTransient }

// PermanentRejection is a well-formed refusal; the invoice needs correcting.
type PermanentRejection struct {
	Code    string
	Message string
}

func (e *PermanentRejection) Error() string {
	return fmt.Sprintf("%s: [%s] %s", ErrRejected, e.Code, e.Message)
}

func (e *PermanentRejection) Is(target error) bool { return target == ErrRejected }

// RequestError reports a 4xx answer for a request the authority could not parse.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrBadRequest, e.StatusCode, e.Message)
}

func (e *RequestError) Is(target error) bool { return target == ErrBadRequest }
