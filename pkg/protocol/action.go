package protocol

import (
	"errors"
	"fmt"
	"strings"

	"rdcp/pkg/control"
)

var ErrUnknownAction = errors.New("unknown action")

type Action string

const (
	ActionEnable     Action = "enable"
	ActionDisable    Action = "disable"
	ActionToggle     Action = "toggle"
	ActionEnableAll  Action = "enable-all"
	ActionDisableAll Action = "disable-all"
	ActionReset      Action = "reset"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionEnable, ActionDisable, ActionToggle, ActionEnableAll, ActionDisableAll, ActionReset:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// AllCategories reports whether the action targets every registered
// category regardless of the request's list.
func (a Action) AllCategories() bool {
	return a == ActionEnableAll || a == ActionDisableAll
}

// Enables reports whether the action accepts temporary options.
func (a Action) Enables() bool {
	return a == ActionEnable || a == ActionEnableAll
}

func (a Action) mutation(p plan) control.Mutation {
	switch a {
	case ActionEnable, ActionEnableAll:
		return control.Enable{Temporary: p.temporary, Duration: p.duration}
	case ActionDisable, ActionDisableAll:
		return control.Disable{}
	case ActionToggle:
		return control.Toggle{}
	default:
		return control.Reset{}
	}
}
