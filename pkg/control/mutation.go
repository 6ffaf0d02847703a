package control

import (
	"errors"
	"time"

	"rdcp/pkg/models"
)

var ErrInvalidMutation = errors.New("invalid mutation")

// Mutation is a closed set of state transitions; only this package can
// add implementations.
type Mutation interface {
	Name() string
	next(prev models.ControlState, now time.Time) (models.ControlState, error)
}

// Enable turns a category on, permanently or with a TTL.
type Enable struct {
	Temporary bool
	Duration  time.Duration
}

func (Enable) Name() string { return "enable" }

func (m Enable) next(_ models.ControlState, now time.Time) (models.ControlState, error) {
	if !m.Temporary {
		return models.ControlState{Enabled: true}, nil
	}
	if m.Duration <= 0 {
		return models.ControlState{}, ErrInvalidMutation
	}
	expiresAt := now.Add(m.Duration).UTC()
	return models.ControlState{Enabled: true, Temporary: true, ExpiresAt: &expiresAt}, nil
}

type Disable struct{}

func (Disable) Name() string { return "disable" }

func (Disable) next(models.ControlState, time.Time) (models.ControlState, error) {
	return models.ControlState{}, nil
}

// Toggle flips enabled and always drops any TTL.
type Toggle struct{}

func (Toggle) Name() string { return "toggle" }

func (Toggle) next(prev models.ControlState, _ time.Time) (models.ControlState, error) {
	return models.ControlState{Enabled: !prev.Enabled}, nil
}

type Reset struct{}

func (Reset) Name() string { return "reset" }

func (Reset) next(models.ControlState, time.Time) (models.ControlState, error) {
	return models.ControlState{}, nil
}

// ExpireIfVersion disables a temporary category only when its version is
// still the one the expiry was scheduled against.
type ExpireIfVersion struct {
	Version int64
}

func (ExpireIfVersion) Name() string { return "expire" }

func (m ExpireIfVersion) next(prev models.ControlState, _ time.Time) (models.ControlState, error) {
	if prev.Version != m.Version || !prev.Temporary {
		return prev, nil
	}
	return models.ControlState{}, nil
}
