package runtime

import (
	"context"
	"net/http"
	"time"
)

// Message is implemented by every payload published on the bus. The id is
// the wire message id and partition key; the run id scopes visibility.
type Message interface {
	GetID() string
	GetRunID() string
}

// BaseMessage is embedded by payload types.
type BaseMessage struct {
	ID    string `json:"id"`
	RunID string `json:"runId"`
}

func (m BaseMessage) GetID() string    { return m.ID }
func (m BaseMessage) GetRunID() string { return m.RunID }

// Continuation is a follow-up publish requested by a handler.
type Continuation[T Name] struct {
	Message Message
	Topic   T
	// ExecuteAt delays delivery. The zero value publishes immediately.
	ExecuteAt time.Time
}

// HandlerResponse is the declared outcome of one handled message.
//
// A zero StatusCode counts as 200. 2xx completes the delivery.
//
// 4xx is a permanent failure: the delivery is acknowledged and logged as
// a permanent failure. It is never redelivered, never dead-lettered and so
// never reaches a retry engine.
//
// 5xx, like a returned error, abandons the delivery so the broker redelivers
// it until its delivery limit dead-letters it.
type HandlerResponse[T Name] struct {
	StatusCode   int
	Continuation *Continuation[T]
}

// FinalOK is a terminal success.
func FinalOK[T Name]() HandlerResponse[T] {
	return HandlerResponse[T]{StatusCode: http.StatusOK}
}

// FinalError is a terminal response carrying code.
func FinalError[T Name](code int) HandlerResponse[T] {
	return HandlerResponse[T]{StatusCode: code}
}

// ContinueWith succeeds and publishes msg to topic at executeAt.
func ContinueWith[T Name](msg Message, topic T, executeAt time.Time) HandlerResponse[T] {
	return HandlerResponse[T]{
		StatusCode: http.StatusOK,
		Continuation: &Continuation[T]{
			Message:   msg,
			Topic:     topic,
			ExecuteAt: executeAt,
		},
	}
}

func (r HandlerResponse[T]) status() int {
	if r.StatusCode == 0 {
		return http.StatusOK
	}
	return r.StatusCode
}

// IsSuccess reports a 2xx (or unset) status.
func (r HandlerResponse[T]) IsSuccess() bool {
	code := r.status()
	return code >= 200 && code < 300
}

// IsPermanentFailure reports a 4xx status.
func (r HandlerResponse[T]) IsPermanentFailure() bool {
	code := r.status()
	return code >= 400 && code < 500
}

// Handler processes one message type. It is invoked directly by the dispatch
// wrapper, without reflection.
type Handler[M Message, T Name] interface {
	Handle(ctx context.Context, msg M) (HandlerResponse[T], error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[M Message, T Name] func(ctx context.Context, msg M) (HandlerResponse[T], error)

func (f HandlerFunc[M, T]) Handle(ctx context.Context, msg M) (HandlerResponse[T], error) {
	return f(ctx, msg)
}
