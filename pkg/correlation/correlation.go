package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Standard header names for correlation IDs
const (
	// HTTPHeader is the standard HTTP header for correlation IDs
	HTTPHeader = "X-Correlation-ID"

	// HTTPRequestIDHeader is an alternative header name
	HTTPRequestIDHeader = "X-Request-ID"
)

// maxIDLength bounds IDs taken from client headers.
const maxIDLength = 128

type contextKey int

const correlationIDKey contextKey = iota

// ID represents a correlation ID
type ID string

// String returns the string representation of the correlation ID
func (id ID) String() string {
	return string(id)
}

// IsEmpty returns true if the correlation ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// New generates a new random correlation ID.
func New() ID {
	return ID(uuid.NewString())
}

// WithID returns a copy of ctx carrying id.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromContext returns the ID stored in ctx, or an empty ID.
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey).(ID)
	return id
}

// Logger returns logger with the correlation_id field set when ctx has one.
func Logger(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	entry := logrus.NewEntry(logger)
	if id := FromContext(ctx); !id.IsEmpty() {
		entry = entry.WithField("correlation_id", id.String())
	}
	return entry
}

// sanitize accepts a client-supplied ID only when it is short and printable.
func sanitize(raw string) ID {
	if raw == "" || len(raw) > maxIDLength {
		return ""
	}
	for _, r := range raw {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return ID(raw)
}
