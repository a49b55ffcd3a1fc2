package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job failures for the queue's retry policy.
type ErrorKind string

const (
	// ErrorKindInput covers bad requests: unsupported file types, missing ids.
	ErrorKindInput ErrorKind = "input"
	// ErrorKindUpstream covers transport failures and 5xx from external services.
	ErrorKindUpstream ErrorKind = "upstream"
	// ErrorKindConversion covers a rasterization that produced nothing usable.
	ErrorKindConversion ErrorKind = "conversion"
	// ErrorKindCache covers cache rows whose blobs are gone.
	ErrorKindCache ErrorKind = "cache"
	// ErrorKindStorage covers blob and metadata store failures.
	ErrorKindStorage ErrorKind = "storage"
)

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrMissingDocumentID   = errors.New("documentId is required")
	ErrNoConvertedImages   = errors.New("No converted images found.")
	ErrNoImages            = errors.New("conversion returned no images")
	ErrUnknownJobKind      = errors.New("unknown job kind")
	ErrJobNotFound         = errors.New("job not found")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrDocumentBusy        = errors.New("document already has a job in flight")
)

// JobError is a classified failure raised while processing a job.
type JobError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *JobError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind) + " error"
	}
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func NewInputError(message string, err error) *JobError {
	return &JobError{Kind: ErrorKindInput, Message: message, Err: err}
}

func NewUpstreamError(message string, err error) *JobError {
	return &JobError{Kind: ErrorKindUpstream, Message: message, Err: err}
}

func NewConversionError(message string, err error) *JobError {
	return &JobError{Kind: ErrorKindConversion, Message: message, Err: err}
}

func NewCacheError(message string, err error) *JobError {
	return &JobError{Kind: ErrorKindCache, Message: message, Err: err}
}

func NewStorageError(message string, err error) *JobError {
	return &JobError{Kind: ErrorKindStorage, Message: message, Err: err}
}

// KindOf returns the classification of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ""
}

// IsRetryable reports whether a failed job may succeed when run again unchanged.
// Unclassified errors are treated as permanent.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindUpstream, ErrorKindStorage:
		return true
	default:
		return false
	}
}

// IsInputError reports whether err was caused by the request itself.
func IsInputError(err error) bool {
	return KindOf(err) == ErrorKindInput
}
