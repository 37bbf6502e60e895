package shipper

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/pkg/types"
)

// Publisher delivers one batch upstream. A nil error means the endpoint
// acknowledged receipt of every reading in the batch.
type Publisher interface {
	Publish(ctx context.Context, b *types.Batch) error
	Close() error
}

// StatusError is a non-success response from the upstream endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// PermanentError marks a failure that retrying the same batch cannot fix,
// such as a rejected credential. It ends the retry loop for the cycle; the
// rows stay PENDING.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is or wraps a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// permanentStatus reports whether an HTTP status is a client error that a
// retry will not fix. 408 and 429 are retried.
func permanentStatus(code int) bool {
	if code == 408 || code == 429 {
		return false
	}
	return code >= 400 && code < 500
}

// NewPublisher returns the Publisher for cfg.Kind.
func NewPublisher(ctx context.Context, cfg config.Upstream, deviceID string) (Publisher, error) {
	switch cfg.Kind {
	case "http", "":
		return newHTTPPublisher(cfg, deviceID)
	case "mqtt":
		return newMQTTPublisher(cfg, deviceID)
	case "s3":
		return newS3Publisher(ctx, cfg, deviceID)
	}
	return nil, fmt.Errorf("shipper: unsupported upstream kind %q", cfg.Kind)
}
