// Package notify defines the notification contract the engine and job
// handlers deliver through. The host application supplies the real sink
// (email, SMS, chat); this package ships a log-backed one for dev.
package notify

import (
	"context"
	"log"
)

// Sink delivers a message to a user. Implementations must tolerate
// duplicate deliveries: callers guard with dedup keys, not transactions.
type Sink interface {
	Notify(ctx context.Context, user, message string) error
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, user, message string) error {
	log.Printf("notify %s: %s", user, message)
	return nil
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, user, message string) error

func (f Func) Notify(ctx context.Context, user, message string) error {
	return f(ctx, user, message)
}
