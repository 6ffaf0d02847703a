package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

const Protocol = "rdcp/1.0"

// Scope is the isolation boundary for control state and rate-limit buckets.
type Scope string

const GlobalScope Scope = "global"

type IsolationLevel string

const (
	IsolationGlobal       IsolationLevel = "global"
	IsolationProcess      IsolationLevel = "process"
	IsolationNamespace    IsolationLevel = "namespace"
	IsolationOrganization IsolationLevel = "organization"
)

var (
	ErrTenantRequired     = errors.New("tenant required for isolated scope")
	ErrUnknownIsolation   = errors.New("unknown isolation level")
	ErrInvalidCategory    = errors.New("invalid category name")
	categoryNamePattern   = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)
	isolationLevelsByName = map[string]IsolationLevel{
		"global":       IsolationGlobal,
		"process":      IsolationProcess,
		"namespace":    IsolationNamespace,
		"organization": IsolationOrganization,
	}
)

func ParseIsolationLevel(raw string) (IsolationLevel, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return IsolationGlobal, nil
	}
	level, ok := isolationLevelsByName[raw]
	if !ok {
		return "", ErrUnknownIsolation
	}
	return level, nil
}

// ScopeFor resolves the scope a tenant's requests are keyed under.
func ScopeFor(level IsolationLevel, tenant string) (Scope, error) {
	switch level {
	case "", IsolationGlobal:
		return GlobalScope, nil
	case IsolationProcess, IsolationNamespace, IsolationOrganization:
		tenant = strings.TrimSpace(tenant)
		if tenant == "" {
			return "", ErrTenantRequired
		}
		return Scope(tenant), nil
	default:
		return "", ErrUnknownIsolation
	}
}

func ValidCategoryName(name string) bool {
	return categoryNamePattern.MatchString(name)
}

func ValidateCategoryName(name string) error {
	if !ValidCategoryName(name) {
		return ErrInvalidCategory
	}
	return nil
}

// ControlState is the per (scope, category) debug state.
type ControlState struct {
	Enabled   bool       `json:"enabled"`
	Temporary bool       `json:"temporary"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Version   int64      `json:"version"`
}

// SameAs reports whether two states are equal ignoring version.
func (s ControlState) SameAs(other ControlState) bool {
	if s.Enabled != other.Enabled || s.Temporary != other.Temporary {
		return false
	}
	switch {
	case s.ExpiresAt == nil && other.ExpiresAt == nil:
		return true
	case s.ExpiresAt == nil || other.ExpiresAt == nil:
		return false
	default:
		return s.ExpiresAt.Equal(*other.ExpiresAt)
	}
}

func (s ControlState) Valid() bool {
	if s.Temporary && s.ExpiresAt == nil {
		return false
	}
	if !s.Enabled && (s.Temporary || s.ExpiresAt != nil) {
		return false
	}
	return true
}

func (s ControlState) View() StateView {
	v := StateView{Enabled: s.Enabled, Temporary: s.Temporary}
	if s.ExpiresAt != nil {
		v.ExpiresAt = FormatTime(*s.ExpiresAt)
	}
	return v
}

// StateView is the wire form of a ControlState.
type StateView struct {
	Enabled   bool   `json:"enabled"`
	Temporary bool   `json:"temporary"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// AuditRecord is never mutated after creation.
type AuditRecord struct {
	Timestamp     time.Time            `json:"timestamp"`
	RequestID     string               `json:"requestId"`
	Action        string               `json:"action"`
	Categories    []string             `json:"categories"`
	Operator      string               `json:"operator"`
	Reason        string               `json:"reason,omitempty"`
	Scope         Scope                `json:"scope"`
	PreviousState map[string]StateView `json:"previousState"`
	NewState      map[string]StateView `json:"newState"`
}

const AllCategories = "ALL"

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
