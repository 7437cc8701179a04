package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gigflow/attendance"
	"gigflow/auth"
	"gigflow/backjob"
	"gigflow/engagement"
	"gigflow/gateway"
	"gigflow/review"
	"gigflow/transition"
)

type stubAuthService struct {
	userID string
	role   auth.Role
	err    error
}

func (s *stubAuthService) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &auth.User{ID: s.userID, Email: req.Email, FullName: req.FullName, Role: req.Role}, nil
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{Token: "tok", User: auth.User{ID: s.userID, Role: s.role}}, s.err
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.userID, s.role, s.err
}

type stubApplier struct {
	resp gateway.Response
	err  error
	last gateway.Request
}

func (s *stubApplier) Apply(_ context.Context, req gateway.Request) (gateway.Response, error) {
	s.last = req
	return s.resp, s.err
}

type stubEngagementService struct {
	engagement engagement.Engagement
	list       []engagement.Engagement
	reviews    []review.Review
	err        error
}

func (s *stubEngagementService) Create(_ context.Context, params engagement.CreateParams) (engagement.Engagement, error) {
	if s.err != nil {
		return engagement.Engagement{}, s.err
	}
	return engagement.Engagement{
		ID:           "eng-new",
		JobTitle:     params.JobTitle,
		ClientID:     params.ClientID,
		WorkerID:     params.WorkerID,
		PaymentModel: params.PaymentModel,
		Status:       engagement.StatusActive,
	}, nil
}

func (s *stubEngagementService) Get(_ context.Context, _ string) (engagement.Engagement, error) {
	return s.engagement, s.err
}

func (s *stubEngagementService) List(_ context.Context, _ engagement.ListFilters) ([]engagement.Engagement, error) {
	return s.list, s.err
}

func (s *stubEngagementService) Reviews(_ context.Context, _ string) ([]review.Review, error) {
	return s.reviews, s.err
}

type stubAttendanceService struct {
	records []attendance.Record
	err     error
}

func (s *stubAttendanceService) List(_ context.Context, _, _ string) ([]attendance.Record, error) {
	return s.records, s.err
}

type stubBackjobService struct {
	dispute  backjob.Dispute
	result   backjob.Result
	disputes []backjob.Dispute
	err      error
}

func (s *stubBackjobService) Open(_ context.Context, params backjob.OpenParams, _ string) (backjob.Dispute, error) {
	if s.err != nil {
		return backjob.Dispute{}, s.err
	}
	d := s.dispute
	d.EngagementID = params.EngagementID
	d.Reason = params.Reason
	return d, nil
}

func (s *stubBackjobService) StartReview(_ context.Context, _, _ string) (backjob.Result, error) {
	return s.result, s.err
}

func (s *stubBackjobService) Close(_ context.Context, _ backjob.CloseParams, _ string) (backjob.Result, error) {
	return s.result, s.err
}

func (s *stubBackjobService) ListByEngagement(_ context.Context, _ string) ([]backjob.Dispute, error) {
	return s.disputes, s.err
}

func authedRequest(r *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return r.WithContext(ctx)
}

func TestRequireAuth_MissingToken(t *testing.T) {
	server := &Server{authService: &stubAuthService{}}
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/engagements", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuth_ValidToken(t *testing.T) {
	server := &Server{
		authService:       &stubAuthService{userID: "client-1", role: auth.RoleClient},
		engagementService: &stubEngagementService{},
	}
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/engagements", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleTransition_Success(t *testing.T) {
	applier := &stubApplier{
		resp: gateway.Response{
			Status:     engagement.StatusInProgress,
			Engagement: engagement.Engagement{ID: "eng-1", Status: engagement.StatusInProgress},
			AppliedNow: true,
		},
	}
	server := &Server{transitions: applier}

	body := strings.NewReader(`{"transition":"start_work"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements/eng-1/transitions", body)
	req = authedRequest(req, "worker-1", auth.RoleWorker)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp transitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "in_progress" || !resp.AppliedNow {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if applier.last.ActorID != "worker-1" || applier.last.ActorRole != auth.RoleWorker {
		t.Fatalf("actor not forwarded from token context: %+v", applier.last)
	}
	if applier.last.EngagementID != "eng-1" {
		t.Fatalf("engagement id not parsed from path: %+v", applier.last)
	}
}

func TestHandleTransition_PreconditionViolation(t *testing.T) {
	server := &Server{transitions: &stubApplier{
		err: transition.Preconditionf("approve_completion", "worker has not marked complete"),
	}}

	body := strings.NewReader(`{"transition":"approve_completion"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements/eng-1/transitions", body)
	req = authedRequest(req, "client-1", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var payload struct {
		Error      string `json:"error"`
		Transition string `json:"transition"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error != "precondition_violation" || payload.Transition != "approve_completion" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleTransition_RetryExhausted(t *testing.T) {
	server := &Server{transitions: &stubApplier{err: transition.ErrConflictRetryExhausted}}

	body := strings.NewReader(`{"transition":"mark_complete"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements/eng-1/transitions", body)
	req = authedRequest(req, "worker-1", auth.RoleWorker)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleTransition_DownstreamUnavailable(t *testing.T) {
	server := &Server{transitions: &stubApplier{
		err: &transition.DownstreamError{Dependency: "escrow", Err: errors.New("timeout")},
	}}

	body := strings.NewReader(`{"transition":"approve_completion"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements/eng-1/transitions", body)
	req = authedRequest(req, "client-1", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var payload struct {
		Error      string `json:"error"`
		Dependency string `json:"dependency"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Dependency != "escrow" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleTransition_UnknownTransition(t *testing.T) {
	server := &Server{transitions: &stubApplier{err: gateway.ErrUnknownTransition}}

	body := strings.NewReader(`{"transition":"teleport"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements/eng-1/transitions", body)
	req = authedRequest(req, "worker-1", auth.RoleWorker)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEngagement_NotFound(t *testing.T) {
	server := &Server{engagementService: &stubEngagementService{err: engagement.ErrNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/engagements/missing", nil)
	req = authedRequest(req, "client-1", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCreateEngagement_ForbidWorkerRole(t *testing.T) {
	server := &Server{engagementService: &stubEngagementService{}}

	body := strings.NewReader(`{"jobTitle":"Fix bathroom","workerId":"worker-1","paymentModel":"project"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements", body)
	req = authedRequest(req, "worker-1", auth.RoleWorker)
	rec := httptest.NewRecorder()

	server.handleEngagements(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCreateEngagement_Success(t *testing.T) {
	server := &Server{engagementService: &stubEngagementService{}}

	body := strings.NewReader(`{"jobTitle":"Fix bathroom","workerId":"worker-1","paymentModel":"project"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/engagements", body)
	req = authedRequest(req, "client-1", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleEngagements(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp engagementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ClientID != "client-1" || resp.WorkerID != "worker-1" || resp.Status != "active" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleAttendance_List(t *testing.T) {
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	out := now.Add(9 * time.Hour)
	server := &Server{attendanceService: &stubAttendanceService{
		records: []attendance.Record{
			{ID: "att-1", EngagementID: "eng-1", EmployeeID: "emp-1", WorkDate: now, TimeIn: &now, TimeOut: &out, ClientConfirmed: true},
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/engagements/eng-1/attendance", nil)
	req = authedRequest(req, "client-1", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleEngagementDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []attendanceResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].WorkDate != "2026-03-09" || !payload.Items[0].ClientConfirmed {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAdminDisputes_ForbidNonAdmin(t *testing.T) {
	server := &Server{backjobService: &stubBackjobService{}}

	body := strings.NewReader(`{"engagementId":"eng-1","reason":"tiles cracked"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/disputes", body)
	req = authedRequest(req, "client-1", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleAdminDisputes(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAdminDisputes_OpenConflict(t *testing.T) {
	server := &Server{backjobService: &stubBackjobService{err: backjob.ErrActiveDisputeExists}}

	body := strings.NewReader(`{"engagementId":"eng-1","reason":"tiles cracked"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/disputes", body)
	req = authedRequest(req, "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleAdminDisputes(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleAdminDisputeDetail_Close(t *testing.T) {
	resolution := "refund issued"
	server := &Server{backjobService: &stubBackjobService{
		result: backjob.Result{
			Dispute:    backjob.Dispute{ID: "d1", Status: backjob.StatusClosed, Resolution: &resolution},
			AppliedNow: true,
		},
	}}

	body := strings.NewReader(`{"resolution":"refund issued","refund":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/disputes/d1/close", body)
	req = authedRequest(req, "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleAdminDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Dispute    disputeResponse `json:"dispute"`
		AppliedNow bool            `json:"appliedNow"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Dispute.Status != "closed" || !payload.AppliedNow {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleRegister_ForbidAdminRole(t *testing.T) {
	server := &Server{authService: &stubAuthService{userID: "u1"}}

	body := strings.NewReader(`{"email":"x@example.com","password":"strongpassword","full_name":"X","role":"admin"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
