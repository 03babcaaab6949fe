package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Inline runs tasks synchronously on the caller's goroutine with the same
// logging and panic handling as Pool. Useful for tests and tooling.
type Inline struct {
	logger *logrus.Entry
}

// NewInline returns an Inline runner
func NewInline(logger *logrus.Logger) *Inline {
	return &Inline{logger: logger.WithField("component", "inline_runner")}
}

// Go runs fn immediately
func (r *Inline) Go(name string, fields logrus.Fields, fn TaskFunc) bool {
	if fn == nil {
		return false
	}
	_ = execute(context.Background(), r.logger, Task{
		Name:    name,
		Fields:  fields,
		Fn:      fn,
		Created: time.Now(),
	})
	return true
}
