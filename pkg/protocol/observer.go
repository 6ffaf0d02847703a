package protocol

import (
	"context"
	"time"

	"rdcp/pkg/models"
)

type EventKind string

const (
	EventChange EventKind = "change"
	EventExpire EventKind = "expire"
)

// ChangeEvent describes one committed state transition.
type ChangeEvent struct {
	Kind      EventKind        `json:"kind"`
	RequestID string           `json:"requestId,omitempty"`
	Scope     models.Scope     `json:"scope"`
	Category  string           `json:"category"`
	Action    string           `json:"action"`
	Previous  models.StateView `json:"previous"`
	Next      models.StateView `json:"next"`
	At        time.Time        `json:"at"`
}

// RequestEvent summarises one handled request.
type RequestEvent struct {
	Operation string
	Action    string
	Scope     models.Scope
	Status    models.Status
	Code      Code
	Changes   int
	Warnings  int
	Duration  time.Duration
}

// Observer receives side-channel notifications. Implementations must not
// block; they run on the request path.
type Observer interface {
	OnChange(ctx context.Context, ev ChangeEvent)
	OnRequest(ctx context.Context, ev RequestEvent)
}

type NopObserver struct{}

func (NopObserver) OnChange(context.Context, ChangeEvent)   {}
func (NopObserver) OnRequest(context.Context, RequestEvent) {}

// Observers fans out to every member.
type Observers []Observer

func (obs Observers) OnChange(ctx context.Context, ev ChangeEvent) {
	for _, o := range obs {
		o.OnChange(ctx, ev)
	}
}

func (obs Observers) OnRequest(ctx context.Context, ev RequestEvent) {
	for _, o := range obs {
		o.OnRequest(ctx, ev)
	}
}
