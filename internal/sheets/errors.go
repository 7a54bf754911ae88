package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/voyagetools/sheetbridge/internal/pkg/retry"
)

var (
	// ErrSourceUnavailable means the spreadsheet or sheet does not exist
	// (or is not visible to the service account). Check the spreadsheet id
	// and that the document is shared with the sync credential.
	ErrSourceUnavailable = errors.New("spreadsheet source unavailable")

	// ErrAuthorizationDenied means the credential was rejected. Check the
	// API token and the document's sharing settings.
	ErrAuthorizationDenied = errors.New("spreadsheet authorization denied")

	// ErrMalformedRange means the requested range could not be parsed by
	// the source API.
	ErrMalformedRange = errors.New("malformed spreadsheet range")
)

// apiError carries the HTTP status of a failed spreadsheet API call so it
// can be classified for retry.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("sheets API error (status %d): %s", e.status, e.body)
}

// asSentinel maps a classified failure to the package's exported errors.
// Transport-level failures fold into ErrSourceUnavailable: from the
// caller's point of view the source cannot be read either way.
func asSentinel(err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		switch ae.status {
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
		case 404:
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		case 400:
			return fmt.Errorf("%w: %v", ErrMalformedRange, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
}

// Classify is the retry classifier for spreadsheet API calls.
// Authorization, not-found and bad-request failures will not self-resolve
// and are never retried. Timeouts, resets and server-side throttling are
// retried up to the cap. Anything else gets one retry.
func Classify(err error) retry.Class {
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.status == 401 || ae.status == 403 || ae.status == 404 || ae.status == 400:
			return retry.Fatal
		case ae.status == 429 || ae.status >= 500:
			return retry.Retryable
		default:
			return retry.Unknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Retryable
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") {
		return retry.Retryable
	}

	return retry.Unknown
}
