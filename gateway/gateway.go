// Package gateway is the single entry point for lifecycle transitions. Every
// caller-facing action arrives as {engagementId, actorRole, actorId,
// transition, payload}; the gateway enforces who may request which transition
// and dispatches to the owning coordinator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gigflow/attendance"
	"gigflow/auth"
	"gigflow/backjob"
	"gigflow/engagement"
	"gigflow/review"
	"gigflow/transition"
)

var (
	// ErrInvalidRequest marks a malformed envelope or payload.
	ErrInvalidRequest = errors.New("gateway: invalid request")
	// ErrUnknownTransition rejects transition names outside the table.
	ErrUnknownTransition = errors.New("gateway: unknown transition")
)

// Request is the uniform transition envelope.
type Request struct {
	EngagementID string          `json:"engagement_id"`
	ActorRole    auth.Role       `json:"actor_role"`
	ActorID      string          `json:"actor_id"`
	Transition   string          `json:"transition"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Response reports the post-transition engagement snapshot. AppliedNow=false
// means the request was absorbed as an idempotent no-op.
type Response struct {
	Status     engagement.Status     `json:"status"`
	Engagement engagement.Engagement `json:"engagement"`
	AppliedNow bool                  `json:"applied_now"`
}

// EngagementCoordinator is the slice of the engagement package the gateway
// dispatches to.
type EngagementCoordinator interface {
	Get(ctx context.Context, id string) (engagement.Engagement, error)
	StartWork(ctx context.Context, engagementID, actorID string) (engagement.Result, error)
	ConfirmWorkStarted(ctx context.Context, engagementID, actorID string) (engagement.Result, error)
	MarkComplete(ctx context.Context, engagementID, actorID, notes string, photoRefs []string) (engagement.Result, error)
	ApproveCompletion(ctx context.Context, engagementID, actorID string) (engagement.Result, error)
	SubmitReview(ctx context.Context, engagementID, actorID string, author review.AuthorRole, ratings review.Ratings, comment string) (engagement.Result, error)
}

// AttendanceLedger is the slice of the attendance package the gateway
// dispatches to.
type AttendanceLedger interface {
	MarkArrival(ctx context.Context, engagementID, employeeID, actorID string) (attendance.Result, error)
	MarkCheckout(ctx context.Context, engagementID, employeeID, actorID string) (attendance.Result, error)
	ConfirmAttendance(ctx context.Context, engagementID, employeeID, actorID string) (attendance.Result, error)
}

// BackjobTracker is the slice of the backjob package the gateway dispatches to.
type BackjobTracker interface {
	ConfirmStarted(ctx context.Context, engagementID, actorID string) (backjob.Result, error)
	MarkComplete(ctx context.Context, engagementID, actorID, notes string) (backjob.Result, error)
	ApproveCompletion(ctx context.Context, engagementID, actorID, notes string) (backjob.Result, error)
}

// Gateway routes transition requests to the engagement, attendance and
// backjob coordinators.
type Gateway struct {
	engagements EngagementCoordinator
	attendance  AttendanceLedger
	backjobs    BackjobTracker
}

func New(engagements EngagementCoordinator, att AttendanceLedger, backjobs BackjobTracker) *Gateway {
	return &Gateway{
		engagements: engagements,
		attendance:  att,
		backjobs:    backjobs,
	}
}

// allowedRoles maps each transition to the actor roles that may request it.
// The side doing the work marks; the paying side confirms.
var allowedRoles = map[string][]auth.Role{
	engagement.TransitionStartWork:             {auth.RoleWorker, auth.RoleAgency},
	engagement.TransitionConfirmWorkStarted:    {auth.RoleClient},
	engagement.TransitionMarkComplete:          {auth.RoleWorker, auth.RoleAgency},
	engagement.TransitionApproveCompletion:     {auth.RoleClient},
	engagement.TransitionSubmitReview:          {auth.RoleClient, auth.RoleWorker, auth.RoleAgency},
	attendance.TransitionMarkArrival:           {auth.RoleWorker, auth.RoleAgency},
	attendance.TransitionMarkCheckout:          {auth.RoleWorker, auth.RoleAgency},
	attendance.TransitionConfirmAttendance:     {auth.RoleClient},
	backjob.TransitionConfirmBackjobStarted:    {auth.RoleClient},
	backjob.TransitionMarkBackjobComplete:      {auth.RoleWorker, auth.RoleAgency},
	backjob.TransitionApproveBackjobCompletion: {auth.RoleClient},
}

type markCompletePayload struct {
	Notes     string   `json:"notes"`
	PhotoRefs []string `json:"photo_refs"`
}

type attendancePayload struct {
	EmployeeID string `json:"employee_id"`
}

type reviewPayload struct {
	Quality         int    `json:"quality"`
	Communication   int    `json:"communication"`
	Punctuality     int    `json:"punctuality"`
	Professionalism int    `json:"professionalism"`
	Comment         string `json:"comment"`
}

type backjobNotesPayload struct {
	Notes string `json:"notes"`
}

// Apply validates and dispatches one transition request.
func (g *Gateway) Apply(ctx context.Context, req Request) (Response, error) {
	if req.EngagementID == "" {
		return Response{}, fmt.Errorf("%w: engagement id required", ErrInvalidRequest)
	}
	if req.ActorID == "" {
		return Response{}, fmt.Errorf("%w: actor id required", ErrInvalidRequest)
	}

	roles, known := allowedRoles[req.Transition]
	if !known {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownTransition, req.Transition)
	}
	if !roleAllowed(req.ActorRole, roles) {
		return Response{}, transition.Preconditionf(req.Transition, "role %s may not request this transition", req.ActorRole)
	}

	switch req.Transition {
	case engagement.TransitionStartWork:
		return g.engagementResult(g.engagements.StartWork(ctx, req.EngagementID, req.ActorID))

	case engagement.TransitionConfirmWorkStarted:
		return g.engagementResult(g.engagements.ConfirmWorkStarted(ctx, req.EngagementID, req.ActorID))

	case engagement.TransitionMarkComplete:
		var p markCompletePayload
		if err := decodePayload(req, &p); err != nil {
			return Response{}, err
		}
		return g.engagementResult(g.engagements.MarkComplete(ctx, req.EngagementID, req.ActorID, p.Notes, p.PhotoRefs))

	case engagement.TransitionApproveCompletion:
		return g.engagementResult(g.engagements.ApproveCompletion(ctx, req.EngagementID, req.ActorID))

	case engagement.TransitionSubmitReview:
		var p reviewPayload
		if err := decodePayload(req, &p); err != nil {
			return Response{}, err
		}
		author := review.AuthorWorker
		if req.ActorRole == auth.RoleClient {
			author = review.AuthorClient
		}
		ratings := review.Ratings{
			Quality:         p.Quality,
			Communication:   p.Communication,
			Punctuality:     p.Punctuality,
			Professionalism: p.Professionalism,
		}
		return g.engagementResult(g.engagements.SubmitReview(ctx, req.EngagementID, req.ActorID, author, ratings, p.Comment))

	case attendance.TransitionMarkArrival:
		return g.attendanceApply(ctx, req, g.attendance.MarkArrival)

	case attendance.TransitionMarkCheckout:
		return g.attendanceApply(ctx, req, g.attendance.MarkCheckout)

	case attendance.TransitionConfirmAttendance:
		return g.attendanceApply(ctx, req, g.attendance.ConfirmAttendance)

	case backjob.TransitionConfirmBackjobStarted:
		res, err := g.backjobs.ConfirmStarted(ctx, req.EngagementID, req.ActorID)
		return g.backjobResult(ctx, req.EngagementID, res, err)

	case backjob.TransitionMarkBackjobComplete:
		var p backjobNotesPayload
		if err := decodePayload(req, &p); err != nil {
			return Response{}, err
		}
		res, err := g.backjobs.MarkComplete(ctx, req.EngagementID, req.ActorID, p.Notes)
		return g.backjobResult(ctx, req.EngagementID, res, err)

	case backjob.TransitionApproveBackjobCompletion:
		var p backjobNotesPayload
		if err := decodePayload(req, &p); err != nil {
			return Response{}, err
		}
		res, err := g.backjobs.ApproveCompletion(ctx, req.EngagementID, req.ActorID, p.Notes)
		return g.backjobResult(ctx, req.EngagementID, res, err)
	}

	return Response{}, fmt.Errorf("%w: %q", ErrUnknownTransition, req.Transition)
}

func (g *Gateway) engagementResult(res engagement.Result, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	return Response{
		Status:     res.Engagement.Status,
		Engagement: res.Engagement,
		AppliedNow: res.AppliedNow,
	}, nil
}

func (g *Gateway) attendanceApply(ctx context.Context, req Request, op func(ctx context.Context, engagementID, employeeID, actorID string) (attendance.Result, error)) (Response, error) {
	var p attendancePayload
	if err := decodePayload(req, &p); err != nil {
		return Response{}, err
	}
	if p.EmployeeID == "" {
		p.EmployeeID = req.ActorID
	}
	res, err := op(ctx, req.EngagementID, p.EmployeeID, req.ActorID)
	if err != nil {
		return Response{}, err
	}
	return g.snapshot(ctx, req.EngagementID, res.AppliedNow)
}

func (g *Gateway) backjobResult(ctx context.Context, engagementID string, res backjob.Result, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	return g.snapshot(ctx, engagementID, res.AppliedNow)
}

// snapshot refreshes the engagement view after a sub-ledger transition so the
// response shape stays uniform across all transitions.
func (g *Gateway) snapshot(ctx context.Context, engagementID string, appliedNow bool) (Response, error) {
	e, err := g.engagements.Get(ctx, engagementID)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Status:     e.Status,
		Engagement: e,
		AppliedNow: appliedNow,
	}, nil
}

func decodePayload(req Request, out any) error {
	if len(req.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Payload, out); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidRequest, req.Transition, err)
	}
	return nil
}

func roleAllowed(role auth.Role, allowed []auth.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
