package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gigflow/attendance"
	"gigflow/auth"
	"gigflow/backjob"
	"gigflow/engagement"
	"gigflow/gateway"
	"gigflow/review"
	"gigflow/transition"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

// AuthService is the slice of the auth package the server needs.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// TransitionApplier dispatches lifecycle transition envelopes.
type TransitionApplier interface {
	Apply(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// EngagementService covers the engagement read/create surface.
type EngagementService interface {
	Create(ctx context.Context, params engagement.CreateParams) (engagement.Engagement, error)
	Get(ctx context.Context, id string) (engagement.Engagement, error)
	List(ctx context.Context, filters engagement.ListFilters) ([]engagement.Engagement, error)
	Reviews(ctx context.Context, engagementID string) ([]review.Review, error)
}

// AttendanceService covers the attendance read surface.
type AttendanceService interface {
	List(ctx context.Context, engagementID, employeeID string) ([]attendance.Record, error)
}

// BackjobService covers the administrator dispute surface.
type BackjobService interface {
	Open(ctx context.Context, params backjob.OpenParams, actorID string) (backjob.Dispute, error)
	StartReview(ctx context.Context, disputeID, actorID string) (backjob.Result, error)
	Close(ctx context.Context, params backjob.CloseParams, actorID string) (backjob.Result, error)
	ListByEngagement(ctx context.Context, engagementID string) ([]backjob.Dispute, error)
}

// Server wires HTTP routes to the lifecycle services.
type Server struct {
	authService       AuthService
	transitions       TransitionApplier
	engagementService EngagementService
	attendanceService AttendanceService
	backjobService    BackjobService
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/engagements", s.requireAuth(s.handleEngagements))
	mux.HandleFunc("/api/engagements/", s.requireAuth(s.handleEngagementDetail))
	mux.HandleFunc("/api/admin/disputes", s.requireAuth(s.handleAdminDisputes))
	mux.HandleFunc("/api/admin/disputes/", s.requireAuth(s.handleAdminDisputeDetail))
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func requestUser(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	// Only privileged tooling can mint admins.
	if req.Role == auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "cannot self-register as admin")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleEngagements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListEngagements(w, r)
	case http.MethodPost:
		s.handleCreateEngagement(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListEngagements(w http.ResponseWriter, r *http.Request) {
	userID, role := requestUser(r)

	filters := engagement.ListFilters{
		Status: engagement.Status(r.URL.Query().Get("status")),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filters.Limit = limit
	}
	// Non-admin callers only see their own side of the marketplace.
	switch role {
	case auth.RoleClient:
		filters.ClientID = userID
	case auth.RoleWorker, auth.RoleAgency:
		filters.WorkerID = userID
	case auth.RoleAdmin:
		filters.ClientID = r.URL.Query().Get("clientId")
		filters.WorkerID = r.URL.Query().Get("workerId")
	}

	items, err := s.engagementService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]engagementResponse, 0, len(items))
	for _, e := range items {
		out = append(out, toEngagementResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

type createEngagementRequest struct {
	JobTitle     string `json:"jobTitle"`
	WorkerID     string `json:"workerId"`
	PaymentModel string `json:"paymentModel"`
}

func (s *Server) handleCreateEngagement(w http.ResponseWriter, r *http.Request) {
	userID, role := requestUser(r)
	if role != auth.RoleClient && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "only clients can create engagements")
		return
	}
	var req createEngagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	e, err := s.engagementService.Create(r.Context(), engagement.CreateParams{
		JobTitle:     req.JobTitle,
		ClientID:     userID,
		WorkerID:     req.WorkerID,
		PaymentModel: engagement.PaymentModel(req.PaymentModel),
		ActorID:      userID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toEngagementResponse(e))
}

func (s *Server) handleEngagementDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/engagements/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "engagement id required")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	engagementID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		e, err := s.engagementService.Get(r.Context(), engagementID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEngagementResponse(e))
		return
	}

	switch parts[1] {
	case "transitions":
		s.handleTransition(w, r, engagementID)
	case "attendance":
		s.handleAttendance(w, r, engagementID)
	case "reviews":
		s.handleReviews(w, r, engagementID)
	case "disputes":
		s.handleEngagementDisputes(w, r, engagementID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

type transitionRequest struct {
	Transition string          `json:"transition"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, engagementID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, role := requestUser(r)
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	resp, err := s.transitions.Apply(r.Context(), gateway.Request{
		EngagementID: engagementID,
		ActorRole:    role,
		ActorID:      userID,
		Transition:   req.Transition,
		Payload:      req.Payload,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{
		Status:     string(resp.Status),
		AppliedNow: resp.AppliedNow,
		Engagement: toEngagementResponse(resp.Engagement),
	})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request, engagementID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	records, err := s.attendanceService.List(r.Context(), engagementID, r.URL.Query().Get("employeeId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]attendanceResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toAttendanceResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request, engagementID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	reviews, err := s.engagementService.Reviews(r.Context(), engagementID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]reviewResponse, 0, len(reviews))
	for _, rv := range reviews {
		out = append(out, toReviewResponse(rv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleEngagementDisputes(w http.ResponseWriter, r *http.Request, engagementID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	disputes, err := s.backjobService.ListByEngagement(r.Context(), engagementID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type openDisputeRequest struct {
	EngagementID   string   `json:"engagementId"`
	Reason         string   `json:"reason"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority"`
	EvidenceImages []string `json:"evidenceImages"`
}

func (s *Server) handleAdminDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, role := requestUser(r)
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := s.backjobService.Open(r.Context(), backjob.OpenParams{
		EngagementID:   req.EngagementID,
		Reason:         req.Reason,
		Description:    req.Description,
		Priority:       req.Priority,
		EvidenceImages: req.EvidenceImages,
	}, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

type closeDisputeRequest struct {
	Resolution string `json:"resolution"`
	Refund     bool   `json:"refund"`
}

func (s *Server) handleAdminDisputeDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, role := requestUser(r)
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/disputes/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "dispute id and action required")
		return
	}
	disputeID, action := parts[0], parts[1]

	switch action {
	case "review":
		res, err := s.backjobService.StartReview(r.Context(), disputeID, userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dispute":    toDisputeResponse(res.Dispute),
			"appliedNow": res.AppliedNow,
		})
	case "close":
		var req closeDisputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		res, err := s.backjobService.Close(r.Context(), backjob.CloseParams{
			DisputeID:  disputeID,
			Resolution: req.Resolution,
			Refund:     req.Refund,
		}, userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dispute":    toDisputeResponse(res.Dispute),
			"appliedNow": res.AppliedNow,
		})
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

// writeServiceError maps domain errors onto the HTTP taxonomy: precondition
// violations are 409, exhausted retries 503, downstream escrow failures 502.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if pv, ok := transition.AsPrecondition(err); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "precondition_violation",
			"transition": pv.Transition,
			"reason":     pv.Reason,
		})
		return
	}
	if errors.Is(err, transition.ErrConflictRetryExhausted) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "conflict_retry_exhausted",
		})
		return
	}
	if de, ok := transition.AsDownstream(err); ok {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "downstream_unavailable",
			"dependency": de.Dependency,
		})
		return
	}
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest), errors.Is(err, gateway.ErrUnknownTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engagement.ErrNotFound),
		errors.Is(err, attendance.ErrEngagementNotFound),
		errors.Is(err, backjob.ErrNotFound),
		errors.Is(err, backjob.ErrNoActiveDispute):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backjob.ErrActiveDisputeExists),
		errors.Is(err, backjob.ErrEngagementNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"fullName"`
	Role      string  `json:"role"`
	Rating    float64 `json:"rating"`
	CreatedAt string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Rating:    u.Rating,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type engagementResponse struct {
	ID                         string   `json:"id"`
	JobTitle                   string   `json:"jobTitle"`
	ClientID                   string   `json:"clientId"`
	WorkerID                   string   `json:"workerId"`
	PaymentModel               string   `json:"paymentModel"`
	Status                     string   `json:"status"`
	ClientConfirmedWorkStarted bool     `json:"clientConfirmedWorkStarted"`
	WorkerMarkedComplete       bool     `json:"workerMarkedComplete"`
	ClientMarkedComplete       bool     `json:"clientMarkedComplete"`
	WorkerReviewed             bool     `json:"workerReviewed"`
	ClientReviewed             bool     `json:"clientReviewed"`
	CompletionNotes            *string  `json:"completionNotes,omitempty"`
	CompletionPhotoRefs        []string `json:"completionPhotoRefs,omitempty"`
	Version                    int64    `json:"version"`
	CreatedAt                  string   `json:"createdAt"`
	CompletedAt                *string  `json:"completedAt,omitempty"`
	ClosedAt                   *string  `json:"closedAt,omitempty"`
}

func toEngagementResponse(e engagement.Engagement) engagementResponse {
	return engagementResponse{
		ID:                         e.ID,
		JobTitle:                   e.JobTitle,
		ClientID:                   e.ClientID,
		WorkerID:                   e.WorkerID,
		PaymentModel:               string(e.PaymentModel),
		Status:                     string(e.Status),
		ClientConfirmedWorkStarted: e.ClientConfirmedWorkStarted,
		WorkerMarkedComplete:       e.WorkerMarkedComplete,
		ClientMarkedComplete:       e.ClientMarkedComplete,
		WorkerReviewed:             e.WorkerReviewed,
		ClientReviewed:             e.ClientReviewed,
		CompletionNotes:            e.CompletionNotes,
		CompletionPhotoRefs:        e.CompletionPhotoRefs,
		Version:                    e.Version,
		CreatedAt:                  e.CreatedAt.Format(time.RFC3339),
		CompletedAt:                formatTimePtr(e.CompletedAt),
		ClosedAt:                   formatTimePtr(e.ClosedAt),
	}
}

type transitionResponse struct {
	Status     string             `json:"status"`
	AppliedNow bool               `json:"appliedNow"`
	Engagement engagementResponse `json:"engagement"`
}

type attendanceResponse struct {
	ID              string  `json:"id"`
	EngagementID    string  `json:"engagementId"`
	EmployeeID      string  `json:"employeeId"`
	WorkDate        string  `json:"workDate"`
	TimeIn          *string `json:"timeIn,omitempty"`
	TimeOut         *string `json:"timeOut,omitempty"`
	ClientConfirmed bool    `json:"clientConfirmed"`
}

func toAttendanceResponse(rec attendance.Record) attendanceResponse {
	return attendanceResponse{
		ID:              rec.ID,
		EngagementID:    rec.EngagementID,
		EmployeeID:      rec.EmployeeID,
		WorkDate:        rec.WorkDate.Format("2006-01-02"),
		TimeIn:          formatTimePtr(rec.TimeIn),
		TimeOut:         formatTimePtr(rec.TimeOut),
		ClientConfirmed: rec.ClientConfirmed,
	}
}

type reviewResponse struct {
	ID              string `json:"id"`
	EngagementID    string `json:"engagementId"`
	AuthorRole      string `json:"authorRole"`
	AuthorID        string `json:"authorId"`
	Quality         int    `json:"quality"`
	Communication   int    `json:"communication"`
	Punctuality     int    `json:"punctuality"`
	Professionalism int    `json:"professionalism"`
	Comment         string `json:"comment"`
	CreatedAt       string `json:"createdAt"`
}

func toReviewResponse(rv review.Review) reviewResponse {
	return reviewResponse{
		ID:              rv.ID,
		EngagementID:    rv.EngagementID,
		AuthorRole:      string(rv.AuthorRole),
		AuthorID:        rv.AuthorID,
		Quality:         rv.Ratings.Quality,
		Communication:   rv.Ratings.Communication,
		Punctuality:     rv.Ratings.Punctuality,
		Professionalism: rv.Ratings.Professionalism,
		Comment:         rv.Comment,
		CreatedAt:       rv.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID                   string  `json:"id"`
	EngagementID         string  `json:"engagementId"`
	Status               string  `json:"status"`
	Reason               string  `json:"reason"`
	Priority             string  `json:"priority"`
	BackjobStarted       bool    `json:"backjobStarted"`
	WorkerMarkedComplete bool    `json:"workerMarkedComplete"`
	ClientConfirmed      bool    `json:"clientConfirmed"`
	Resolution           *string `json:"resolution,omitempty"`
	OpenedAt             string  `json:"openedAt"`
	ResolvedAt           *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d backjob.Dispute) disputeResponse {
	return disputeResponse{
		ID:                   d.ID,
		EngagementID:         d.EngagementID,
		Status:               string(d.Status),
		Reason:               d.Reason,
		Priority:             d.Priority,
		BackjobStarted:       d.BackjobStarted,
		WorkerMarkedComplete: d.WorkerMarkedComplete,
		ClientConfirmed:      d.ClientConfirmed,
		Resolution:           d.Resolution,
		OpenedAt:             d.OpenedAt.Format(time.RFC3339),
		ResolvedAt:           formatTimePtr(d.ResolvedAt),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
