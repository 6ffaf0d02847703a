package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"rdcp/pkg/models"
)

var (
	ErrWriteFailed        = errors.New("audit write failed")
	ErrTimeout            = errors.New("audit write timed out")
	ErrUnknownFailureMode = errors.New("unknown audit failure mode")
)

type FailureMode string

const (
	FailureIgnore FailureMode = "ignore"
	FailureWarn   FailureMode = "warn"
	FailureFail   FailureMode = "fail"
)

func ParseFailureMode(raw string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FailureWarn:
		return FailureWarn, nil
	case FailureIgnore:
		return FailureIgnore, nil
	case FailureFail:
		return FailureFail, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFailureMode, raw)
	}
}

const DefaultTimeout = 2 * time.Second

// Policy decides whether a record reaches the sink and how a failed write
// surfaces. A failed write never rolls back the state change it describes.
type Policy struct {
	Sink        Sink
	SampleRate  float64
	Redact      Redactor
	FailureMode FailureMode
	Timeout     time.Duration
	Rand        func() float64
}

func NewPolicy(sink Sink) *Policy {
	return &Policy{
		Sink:        sink,
		SampleRate:  1,
		FailureMode: FailureWarn,
		Timeout:     DefaultTimeout,
	}
}

// Outcome reports what happened to one record. Warning is set under warn,
// Err under fail; both wrap ErrWriteFailed.
type Outcome struct {
	Written bool
	Dropped bool
	Warning error
	Err     error
}

func (p *Policy) sampled() bool {
	if p.SampleRate >= 1 {
		return true
	}
	if p.SampleRate <= 0 {
		return false
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return rnd() < p.SampleRate
}

func (p *Policy) Write(ctx context.Context, rec models.AuditRecord) Outcome {
	if p == nil || p.Sink == nil {
		return Outcome{Dropped: true}
	}
	if !p.sampled() {
		return Outcome{Dropped: true}
	}
	if p.Redact != nil {
		rec = p.Redact(rec)
	}
	err := p.write(ctx, rec)
	if err == nil {
		return Outcome{Written: true}
	}
	wrapped := fmt.Errorf("%w: %w", ErrWriteFailed, err)
	switch p.FailureMode {
	case FailureIgnore:
		log.Printf("rdcp audit: dropped record %s: %v", rec.RequestID, err)
		return Outcome{}
	case FailureFail:
		return Outcome{Err: wrapped}
	default:
		log.Printf("rdcp audit: write %s: %v", rec.RequestID, err)
		return Outcome{Warning: wrapped}
	}
}

func (p *Policy) write(ctx context.Context, rec models.AuditRecord) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- p.Sink.Write(ctx, rec)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
