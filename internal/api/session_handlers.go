package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

type createSessionRequest struct {
	UserID   string          `json:"user_id"`
	CourseID string          `json:"course_id"`
	ImageRef string          `json:"image_ref"`
	Limits   *runtime.Limits `json:"resource_limits,omitempty"`
}

// createdView adds session_id alongside the stored fields.
type createdView struct {
	SessionID string `json:"session_id"`
	*store.Session
}

type resizeRequest struct {
	Limits runtime.Limits `json:"resource_limits"`
}

type usageSample struct {
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemBytes      uint64    `json:"mem_bytes"`
	MemLimitBytes uint64    `json:"mem_limit_bytes"`
	DiskBytes     uint64    `json:"disk_bytes"`
}

type usageResponse struct {
	SessionID string        `json:"session_id"`
	Samples   []usageSample `json:"samples"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req createSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if req.UserID == "" && !claims.IsStaff() {
		req.UserID = claims.UserID()
	}
	if err := validateCreateSessionRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if !claims.CanAccess(req.UserID) || !claims.InCourse(req.CourseID) {
		writeAPIError(w, auth.ErrForbidden)
		return
	}
	if req.Limits != nil && !claims.IsStaff() {
		writeAPIError(w, auth.ErrForbidden)
		return
	}

	s.logger.Debug("create session request", "user_id", req.UserID, "course_id", req.CourseID, "image_ref", req.ImageRef, "request_id", requestID(r.Context()))
	sess, err := s.manager.Create(r.Context(), session.CreateRequest{
		UserID:   req.UserID,
		CourseID: req.CourseID,
		ImageRef: req.ImageRef,
		Limits:   req.Limits,
	})
	if err != nil {
		s.logger.Error("create session", "user_id", req.UserID, "course_id", req.CourseID, "error", err)
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("session created", "session_id", sess.ID, "image_ref", sess.ImageRef)
	writeJSON(w, http.StatusCreated, createdView{SessionID: sess.ID, Session: sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	q := r.URL.Query()

	f := store.Filter{
		UserID:   q.Get("user_id"),
		CourseID: q.Get("course_id"),
		Statuses: parseStatuses(q.Get("status")),
	}
	if !claims.IsAdmin() {
		if f.UserID != "" && f.UserID != claims.UserID() {
			writeAPIError(w, auth.ErrForbidden)
			return
		}
		f.UserID = claims.UserID()
	}
	if f.CourseID != "" && !claims.InCourse(f.CourseID) {
		writeAPIError(w, auth.ErrForbidden)
		return
	}
	if !claims.IsStaff() && claims.CourseID != "" {
		f.CourseID = claims.CourseID
	}

	sessions, err := s.manager.List(r.Context(), f)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("list sessions result", "count", len(sessions))
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}
	s.logger.Debug("stop session", "session_id", sess.ID)
	sess, err := s.manager.Stop(r.Context(), sess.ID)
	if err != nil {
		s.logger.Error("stop session", "session_id", r.PathValue("id"), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	removeVolume := false
	if v := r.URL.Query().Get("volume"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeValidationError(w, "volume must be a boolean", map[string]interface{}{"volume": v})
			return
		}
		removeVolume = b
	}

	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}
	s.logger.Debug("remove session", "session_id", sess.ID, "remove_volume", removeVolume)
	sess, err := s.manager.Remove(r.Context(), sess.ID, removeVolume)
	if err != nil {
		s.logger.Error("remove session", "session_id", r.PathValue("id"), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResizeSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req resizeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateLimits(req.Limits); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}
	if !claims.IsStaff() {
		writeAPIError(w, auth.ErrForbidden)
		return
	}

	s.logger.Debug("resize session", "session_id", sess.ID, "limits", req.Limits)
	sess, err := s.manager.Resize(r.Context(), sess.ID, req.Limits)
	if err != nil {
		s.logger.Error("resize session", "session_id", r.PathValue("id"), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	resp := usageResponse{SessionID: sess.ID, Samples: []usageSample{}}
	if s.usage != nil {
		for _, u := range s.usage.Samples(sess.ID) {
			resp.Samples = append(resp.Samples, usageSample{
				At:            u.At.UTC(),
				CPUPercent:    u.CPUPercent,
				MemBytes:      u.MemBytes,
				MemLimitBytes: u.MemLimitBytes,
				DiskBytes:     u.DiskBytes,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorizedSession loads the session named in the path and checks that the
// caller owns it (within the token's course scope) or is staff. It writes the error response itself.
func (s *Server) authorizedSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return nil, false
	}
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return nil, false
	}
	if !claimsFrom(r.Context()).CanAccessSession(sess) {
		writeAPIError(w, auth.ErrForbidden)
		return nil, false
	}
	return sess, true
}
