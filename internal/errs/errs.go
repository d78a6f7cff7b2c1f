// Package errs defines the failure kinds a publish run can end in.
package errs

import "errors"

var (
	// ErrUsage indicates missing or invalid process input or configuration.
	ErrUsage = &kindError{
		metric:  "usage",
		message: "usage error",
	}

	// ErrMalformedInput indicates the input is not a JSON array.
	ErrMalformedInput = &kindError{
		metric:  "malformed_input",
		message: "malformed input",
	}

	// ErrTransport indicates a connection level fault.
	ErrTransport = &kindError{
		metric:  "transport",
		message: "transport error",
	}

	// ErrTopology indicates a declare or bind operation failed.
	ErrTopology = &kindError{
		metric:  "topology",
		message: "topology error",
	}

	// ErrPublish indicates a transaction for one record was not committed.
	ErrPublish = &kindError{
		metric:  "publish",
		message: "publish error",
	}
)

// kindError classifies an error for metrics and exit codes.
type kindError struct {
	metric  string
	message string
}

func (e *kindError) Error() string {
	return e.message
}

func (e *kindError) Metric() string {
	return e.metric
}

// Kind returns the metric label of the first kind found in err's chain,
// "" for nil and "unknown" for unclassified errors.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.Metric()
	}

	return "unknown"
}
