// Package notification fans operator alerts out to the configured sinks.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sink delivers one Markdown-formatted alert
type Sink interface {
	Notify(ctx context.Context, message string) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, message string) error

func (f SinkFunc) Notify(ctx context.Context, message string) error {
	return f(ctx, message)
}

// Multi delivers to every sink and joins their errors. One failing sink
// does not stop delivery to the others.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for i, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

var markdown = strings.NewReplacer("*", "", "`", "", "_", "")

// PlainText strips the Markdown markers alerts are written with
func PlainText(message string) string {
	return strings.TrimSpace(markdown.Replace(message))
}
