package protocol

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rdcp/pkg/audit"
	"rdcp/pkg/control"
	"rdcp/pkg/models"
	"rdcp/pkg/ratelimit"
	"rdcp/pkg/registry"
	"rdcp/pkg/scheduler"
)

const (
	DefaultTimeout = 30 * time.Second
	SystemOperator = "system"
	tracerName     = "rdcp/protocol"
)

// AuthContext is the already authenticated caller identity.
type AuthContext struct {
	ClientID string
	Tenant   string
	Operator string
}

func (a AuthContext) client() string {
	if c := strings.TrimSpace(a.ClientID); c != "" {
		return c
	}
	return "anonymous"
}

func (a AuthContext) operator() string {
	if o := strings.TrimSpace(a.Operator); o != "" {
		return o
	}
	return a.client()
}

// Scheduler is the subset of the expiry scheduler the handler drives.
type Scheduler interface {
	ScheduleExpiry(scope models.Scope, category string, expiresAt time.Time, expectedVersion int64) error
	Cancel(scope models.Scope, category string, supersededVersion int64)
}

// Handler answers control and status requests. It keeps no state between
// requests.
type Handler struct {
	Registry     *registry.Registry
	Store        *control.Store
	Scheduler    Scheduler
	Limiter      ratelimit.Limiter
	Audit        *audit.Policy
	Observer     Observer
	Isolation    models.IsolationLevel
	Timeout      time.Duration
	Now          func() time.Time
	NewRequestID func() string
}

// Result carries the response body together with the rate-limit decision
// the transport turns into headers.
type Result struct {
	Response  models.ControlResponse
	RateLimit ratelimit.Decision
}

type plan struct {
	action     Action
	categories []string
	bulk       bool
	temporary  bool
	duration   time.Duration
	reason     string
}

type outcome struct {
	category string
	tr       control.Transition
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) observer() Observer {
	if h.Observer == nil {
		return NopObserver{}
	}
	return h.Observer
}

func (h *Handler) requestID(given string) string {
	if id := strings.TrimSpace(given); id != "" {
		return id
	}
	if h.NewRequestID != nil {
		return h.NewRequestID()
	}
	return uuid.NewString()
}

func (h *Handler) allow(scope models.Scope, auth AuthContext, class ratelimit.Class) ratelimit.Decision {
	if h.Limiter == nil {
		return ratelimit.Decision{Allowed: true, ResetAt: h.now()}
	}
	return h.Limiter.Allow(scope, auth.client(), class)
}

// Control runs one control request through rate check, validation, apply,
// schedule, audit and respond. The returned Result is populated whenever a
// rate-limit decision was taken, including alongside an error.
func (h *Handler) Control(ctx context.Context, auth AuthContext, req models.ControlRequest) (res Result, err error) {
	start := h.now()
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rdcp.control")
	defer span.End()

	res.Response = models.ControlResponse{
		Protocol:     models.Protocol,
		RequestID:    h.requestID(req.RequestID),
		Status:       models.StatusFailed,
		Timestamp:    models.FormatTime(start),
		Changes:      []models.Change{},
		CurrentState: map[string]models.StateView{},
	}
	span.SetAttributes(
		attribute.String("rdcp.request_id", res.Response.RequestID),
		attribute.String("rdcp.action", req.Action),
	)
	var scope models.Scope
	defer func() {
		ev := RequestEvent{
			Operation: "control",
			Action:    req.Action,
			Scope:     scope,
			Status:    res.Response.Status,
			Changes:   len(res.Response.Changes),
			Warnings:  len(res.Response.Warnings),
			Duration:  h.now().Sub(start),
		}
		if err != nil {
			pe := AsError(err)
			ev.Code = pe.Code
			span.RecordError(err)
			span.SetStatus(codes.Error, string(pe.Code))
		}
		span.SetAttributes(attribute.String("rdcp.status", string(res.Response.Status)))
		h.observer().OnRequest(ctx, ev)
	}()

	var scopeErr error
	scope, scopeErr = models.ScopeFor(h.Isolation, auth.Tenant)
	if scopeErr != nil {
		return res, validationError("cannot resolve scope", scopeErr)
	}
	span.SetAttributes(attribute.String("rdcp.scope", string(scope)))

	res.RateLimit = h.allow(scope, auth, ratelimit.ClassControl)
	if !res.RateLimit.Allowed {
		return res, rateLimitedError(res.RateLimit)
	}

	p, perr := h.plan(scope, req)
	if perr != nil {
		return res, perr
	}

	var done []outcome
	succeeded := 0
	for _, category := range p.categories {
		if ctx.Err() != nil {
			return res, timeoutError(ctx.Err())
		}
		if failure, ok := h.check(scope, category); !ok {
			res.Response.Errors = append(res.Response.Errors, failure)
			continue
		}
		tr, warning, failure := h.apply(ctx, scope, category, p)
		if failure != nil {
			res.Response.Errors = append(res.Response.Errors, *failure)
			continue
		}
		succeeded++
		if warning != nil {
			res.Response.Warnings = append(res.Response.Warnings, *warning)
		}
		res.Response.CurrentState[category] = tr.Next.View()
		if !tr.Changed {
			continue
		}
		done = append(done, outcome{category: category, tr: tr})
		change := models.Change{
			Category:      category,
			Action:        p.action.mutation(p).Name(),
			PreviousState: tr.Previous.Enabled,
			NewState:      tr.Next.Enabled,
			EffectiveTime: models.FormatTime(h.now()),
		}
		if tr.Next.ExpiresAt != nil {
			change.ExpiresAt = models.FormatTime(*tr.Next.ExpiresAt)
		}
		res.Response.Changes = append(res.Response.Changes, change)
		h.observer().OnChange(ctx, ChangeEvent{
			Kind:      EventChange,
			RequestID: res.Response.RequestID,
			Scope:     scope,
			Category:  category,
			Action:    change.Action,
			Previous:  tr.Previous.View(),
			Next:      tr.Next.View(),
			At:        h.now(),
		})
	}

	switch {
	case len(res.Response.Errors) == 0:
		res.Response.Status = models.StatusSuccess
	case succeeded > 0:
		res.Response.Status = models.StatusPartial
	default:
		res.Response.Status = models.StatusFailed
	}

	if auditErr := h.audit(ctx, scope, auth, p, res.Response.RequestID, done, &res.Response); auditErr != nil {
		res.Response.Success = false
		res.Response.Status = models.StatusFailed
		return res, auditErr
	}
	if ctx.Err() != nil {
		return res, timeoutError(ctx.Err())
	}

	res.Response.Success = res.Response.Status != models.StatusFailed
	if res.Response.Status == models.StatusFailed && len(res.Response.Errors) > 0 {
		first := res.Response.Errors[0]
		return res, &Error{
			Code:    Code(first.Code),
			Message: first.Message,
			Details: map[string]any{"errors": res.Response.Errors},
		}
	}
	return res, nil
}

func (h *Handler) plan(scope models.Scope, req models.ControlRequest) (plan, error) {
	action, err := ParseAction(req.Action)
	if err != nil {
		return plan{}, validationError("unknown action", err)
	}
	p := plan{action: action}
	if req.Options != nil {
		p.reason = req.Options.Reason
		p.temporary = req.Options.Temporary
		if req.Options.Duration != nil {
			p.temporary = true
			p.duration = req.Options.Duration.Value
		}
	}
	if p.temporary && !action.Enables() {
		return plan{}, validationError("temporary options only apply to enable actions", nil)
	}
	if p.temporary && p.duration <= 0 {
		return plan{}, validationError("temporary controls require a positive duration", nil)
	}
	switch {
	case action.AllCategories(), action == ActionReset && len(req.Categories) == 0:
		p.bulk = true
		if h.Registry != nil {
			p.categories = h.Registry.List(scope)
		}
	case len(req.Categories) == 0:
		return plan{}, validationError("categories required", nil)
	default:
		seen := make(map[string]bool, len(req.Categories))
		for _, c := range req.Categories {
			if !seen[c] {
				seen[c] = true
				p.categories = append(p.categories, c)
			}
		}
	}
	return p, nil
}

func (h *Handler) check(scope models.Scope, category string) (models.CategoryFailure, bool) {
	if !models.ValidCategoryName(category) {
		return models.CategoryFailure{Category: category, Code: string(CodeValidation), Message: "invalid category name"}, false
	}
	if h.Registry == nil || !h.Registry.Exists(scope, category) {
		return models.CategoryFailure{Category: category, Code: string(CodeNotFound), Message: "category not registered"}, false
	}
	return models.CategoryFailure{}, true
}

// apply mutates one category and keeps the scheduler in step. When the
// scheduler cannot take a temporary control the category is left enabled
// permanently and a warning is returned.
func (h *Handler) apply(ctx context.Context, scope models.Scope, category string, p plan) (control.Transition, *models.Warning, *models.CategoryFailure) {
	tr, err := h.Store.Apply(ctx, scope, category, p.action.mutation(p))
	if err != nil {
		code, msg := CodeInternal, "state update failed"
		if errors.Is(err, control.ErrInvalidMutation) {
			code, msg = CodeValidation, "invalid control options"
		} else {
			log.Printf("rdcp protocol: apply %s/%s: %v", scope, category, err)
		}
		return tr, nil, &models.CategoryFailure{Category: category, Code: string(code), Message: msg}
	}
	if !tr.Changed {
		return tr, nil, nil
	}
	if !tr.Next.Temporary {
		if tr.Previous.Temporary && h.Scheduler != nil {
			h.Scheduler.Cancel(scope, category, tr.Next.Version)
		}
		return tr, nil, nil
	}
	schedErr := scheduler.ErrUnavailable
	if h.Scheduler != nil {
		schedErr = h.Scheduler.ScheduleExpiry(scope, category, *tr.Next.ExpiresAt, tr.Next.Version)
	}
	if schedErr == nil {
		return tr, nil, nil
	}
	log.Printf("rdcp protocol: schedule %s/%s: %v; enabling permanently", scope, category, schedErr)
	permanent, err := h.Store.Apply(ctx, scope, category, control.Enable{})
	if err != nil {
		log.Printf("rdcp protocol: degrade %s/%s: %v", scope, category, err)
		return tr, nil, &models.CategoryFailure{Category: category, Code: string(CodeInternal), Message: "state update failed"}
	}
	tr.Next = permanent.Next
	tr.Changed = !tr.Previous.SameAs(tr.Next)
	return tr, &models.Warning{
		Code:     string(CodeSchedulerUnavailable),
		Message:  "scheduler unavailable; temporary control applied as permanent enable",
		Category: category,
	}, nil
}

func (h *Handler) audit(ctx context.Context, scope models.Scope, auth AuthContext, p plan, requestID string, done []outcome, resp *models.ControlResponse) error {
	if len(done) == 0 || h.Audit == nil {
		return nil
	}
	base := models.AuditRecord{
		Timestamp: h.now(),
		RequestID: requestID,
		Action:    string(p.action),
		Operator:  auth.operator(),
		Reason:    p.reason,
		Scope:     scope,
	}
	var records []models.AuditRecord
	if p.bulk {
		rec := base
		rec.Categories = []string{models.AllCategories}
		rec.PreviousState = make(map[string]models.StateView, len(done))
		rec.NewState = make(map[string]models.StateView, len(done))
		for _, o := range done {
			rec.PreviousState[o.category] = o.tr.Previous.View()
			rec.NewState[o.category] = o.tr.Next.View()
		}
		records = append(records, rec)
	} else {
		for _, o := range done {
			rec := base
			rec.Categories = []string{o.category}
			rec.PreviousState = map[string]models.StateView{o.category: o.tr.Previous.View()}
			rec.NewState = map[string]models.StateView{o.category: o.tr.Next.View()}
			records = append(records, rec)
		}
	}
	for _, rec := range records {
		out := h.Audit.Write(ctx, rec)
		if ctx.Err() != nil {
			return timeoutError(ctx.Err())
		}
		if out.Err != nil {
			return &Error{
				Code:    CodeAuditWriteFailed,
				Message: "audit write failed; state change was applied",
				Details: map[string]any{"requestId": requestID, "categories": rec.Categories},
				Err:     out.Err,
			}
		}
		if out.Warning != nil {
			resp.Warnings = append(resp.Warnings, models.Warning{
				Code:    string(CodeAuditWriteFailed),
				Message: "audit record not persisted",
			})
		}
	}
	return nil
}

// Status reads the state of every registered category in the caller's scope.
func (h *Handler) Status(ctx context.Context, auth AuthContext) (models.StatusResponse, ratelimit.Decision, error) {
	start := h.now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rdcp.status")
	defer span.End()

	scope, err := models.ScopeFor(h.Isolation, auth.Tenant)
	if err != nil {
		return models.StatusResponse{}, ratelimit.Decision{}, validationError("cannot resolve scope", err)
	}
	decision := h.allow(scope, auth, ratelimit.ClassStatus)
	ev := RequestEvent{Operation: "status", Scope: scope, Status: models.StatusSuccess}
	defer func() {
		ev.Duration = h.now().Sub(start)
		h.observer().OnRequest(ctx, ev)
	}()
	if !decision.Allowed {
		ev.Status, ev.Code = models.StatusFailed, CodeRateLimited
		return models.StatusResponse{}, decision, rateLimitedError(decision)
	}
	resp := models.StatusResponse{
		Protocol:   models.Protocol,
		Timestamp:  models.FormatTime(start),
		Scope:      scope,
		Categories: map[string]models.StateView{},
	}
	if h.Registry != nil {
		for _, c := range h.Registry.List(scope) {
			resp.Categories[c] = h.Store.Get(scope, c).View()
		}
	}
	return resp, decision, nil
}

// RecordExpiry audits and publishes an expiry fired by the scheduler.
func (h *Handler) RecordExpiry(ctx context.Context, e scheduler.Expiry) {
	rec := models.AuditRecord{
		Timestamp:     e.FiredAt,
		RequestID:     h.requestID(""),
		Action:        "expire",
		Categories:    []string{e.Category},
		Operator:      SystemOperator,
		Scope:         e.Scope,
		PreviousState: map[string]models.StateView{e.Category: e.Transition.Previous.View()},
		NewState:      map[string]models.StateView{e.Category: e.Transition.Next.View()},
	}
	if e.Recovered {
		rec.Reason = "expired while offline"
	}
	if h.Audit != nil {
		if out := h.Audit.Write(ctx, rec); out.Err != nil {
			log.Printf("rdcp protocol: audit expiry %s/%s: %v", e.Scope, e.Category, out.Err)
		}
	}
	h.observer().OnChange(ctx, ChangeEvent{
		Kind:      EventExpire,
		RequestID: rec.RequestID,
		Scope:     e.Scope,
		Category:  e.Category,
		Action:    "expire",
		Previous:  e.Transition.Previous.View(),
		Next:      e.Transition.Next.View(),
		At:        e.FiredAt,
	})
}
