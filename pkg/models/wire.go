package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrInvalidDuration   = errors.New("duration must be a positive number of milliseconds or <n><s|m|h|d>")
	ErrInvalidCategories = errors.New("categories must be a string or an array of strings")
	durationPattern      = regexp.MustCompile(`^([0-9]+)([smhd])$`)
)

// ControlRequest is the inbound control payload.
type ControlRequest struct {
	Action     string          `json:"action"`
	Categories CategoryList    `json:"categories,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Options    *ControlOptions `json:"options,omitempty"`
}

type ControlOptions struct {
	Temporary bool          `json:"temporary,omitempty"`
	Duration  *DurationSpec `json:"duration,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// CategoryList accepts either a single string or an array on the wire.
type CategoryList []string

func (c *CategoryList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return ErrInvalidCategories
		}
		*c = CategoryList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return ErrInvalidCategories
	}
	*c = CategoryList(many)
	return nil
}

// DurationSpec is a TTL given either as milliseconds or as "15m" style text.
type DurationSpec struct {
	Value time.Duration
	Raw   string
}

func (d *DurationSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return ErrInvalidDuration
		}
		v, err := ParseDuration(s)
		if err != nil {
			return err
		}
		*d = DurationSpec{Value: v, Raw: s}
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return ErrInvalidDuration
	}
	if ms <= 0 || math.IsNaN(ms) {
		return ErrInvalidDuration
	}
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		return fmt.Errorf("%w: overflow", ErrInvalidDuration)
	}
	*d = DurationSpec{Value: time.Duration(ms * float64(time.Millisecond)), Raw: string(b)}
	return nil
}

func (d DurationSpec) MarshalJSON() ([]byte, error) {
	if durationPattern.MatchString(d.Raw) {
		return json.Marshal(d.Raw)
	}
	return []byte(strconv.FormatInt(d.Value.Milliseconds(), 10)), nil
}

// ParseDuration parses "<n><s|m|h|d>".
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrInvalidDuration
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidDuration
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidDuration)
	}
	return time.Duration(n) * unit, nil
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// ControlResponse is the outbound control payload.
type ControlResponse struct {
	Protocol     string               `json:"protocol"`
	RequestID    string               `json:"requestId"`
	Success      bool                 `json:"success"`
	Status       Status               `json:"status"`
	Timestamp    string               `json:"timestamp"`
	Changes      []Change             `json:"changes"`
	CurrentState map[string]StateView `json:"currentState"`
	Errors       []CategoryFailure    `json:"errors,omitempty"`
	Warnings     []Warning            `json:"warnings,omitempty"`
}

type Change struct {
	Category      string `json:"category"`
	Action        string `json:"action"`
	PreviousState bool   `json:"previousState"`
	NewState      bool   `json:"newState"`
	EffectiveTime string `json:"effectiveTime"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
}

type CategoryFailure struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

type Warning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// StatusResponse answers a status read for one scope.
type StatusResponse struct {
	Protocol   string               `json:"protocol"`
	Timestamp  string               `json:"timestamp"`
	Scope      Scope                `json:"scope"`
	Categories map[string]StateView `json:"categories"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Protocol string         `json:"protocol"`
}
