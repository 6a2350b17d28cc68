package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
	"github.com/p-arndt/labkasten/internal/testutil"
)

const testSessionID = "0b9c7a4e-3f55-4b8e-9d9c-2f4c1d6f7e01"

func testAPIServer(mgr SessionService) *Server {
	return &Server{
		manager: mgr,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		mux:     http.NewServeMux(),
	}
}

// as attaches the caller's claims the way authMiddleware would.
func as(req *http.Request, sub, role string) *http.Request {
	c := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}, Role: role}
	return req.WithContext(withClaims(req.Context(), c))
}

// inCourse scopes a learner token to courseID.
func inCourse(req *http.Request, sub, courseID string) *http.Request {
	c := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}, Role: auth.RoleLearner, CourseID: courseID}
	return req.WithContext(withClaims(req.Context(), c))
}

func aliceSession() *store.Session {
	sess := testutil.TestSession(testSessionID)
	sess.Endpoints = map[string]string{"jupyter": "127.0.0.1:49153"}
	sess.Version = 2
	return sess
}

func TestHandleCreateSession_Success(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	mockMgr.On("Create", mock.Anything, session.CreateRequest{
		UserID:   "alice",
		CourseID: "py-101",
	}).Return(aliceSession(), nil)

	req := testutil.JSONRequest(t, "POST", "/labs/sessions", map[string]string{"course_id": "py-101"})
	rec := httptest.NewRecorder()

	s.handleCreateSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusCreated, rec.Code)
	var got struct {
		store.Session
		SessionID string `json:"session_id"`
	}
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, testSessionID, got.SessionID)
	assert.Equal(t, testSessionID, got.ID)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, "127.0.0.1:49153", got.Endpoints["jupyter"])
	mockMgr.AssertExpectations(t)
}

func TestHandleCreateSession_CourseScopedToken(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	req := testutil.JSONRequest(t, "POST", "/labs/sessions", map[string]string{"course_id": "py-101"})
	rec := httptest.NewRecorder()
	s.handleCreateSession(rec, inCourse(req, "alice", "rust-201"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	mockMgr.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleSession_CourseScopedToken(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)

	for _, tt := range []struct {
		course string
		want   int
	}{
		{"py-101", http.StatusOK},
		{"rust-201", http.StatusForbidden},
	} {
		req := httptest.NewRequest("GET", "/labs/sessions/"+testSessionID, nil)
		req.SetPathValue("id", testSessionID)
		rec := httptest.NewRecorder()
		s.handleGetSession(rec, inCourse(req, "alice", tt.course))
		assert.Equal(t, tt.want, rec.Code, tt.course)
	}

	req := httptest.NewRequest("POST", "/labs/sessions/"+testSessionID+"/stop", nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleStopSession(rec, inCourse(req, "alice", "rust-201"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	mockMgr.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestHandleListSessions_CourseScopedToken(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("List", mock.Anything, store.Filter{UserID: "alice", CourseID: "py-101"}).
		Return([]*store.Session{aliceSession()}, nil)

	rec := httptest.NewRecorder()
	s.handleListSessions(rec, inCourse(httptest.NewRequest("GET", "/labs/sessions", nil), "alice", "py-101"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.handleListSessions(rec, inCourse(httptest.NewRequest("GET", "/labs/sessions?course_id=rust-201", nil), "alice", "py-101"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	mockMgr.AssertNumberOfCalls(t, "List", 1)
}

func TestHandleCreateSession_StaffSetsLimits(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	limits := &runtime.Limits{MemoryBytes: 1 << 30}
	mockMgr.On("Create", mock.Anything, session.CreateRequest{
		UserID:   "bob",
		CourseID: "py-101",
		ImageRef: "python:lab",
		Limits:   limits,
	}).Return(aliceSession(), nil)

	body := `{"user_id":"bob","course_id":"py-101","image_ref":"python:lab","resource_limits":{"memory_bytes":1073741824}}`
	req := as(httptest.NewRequest("POST", "/labs/sessions", strings.NewReader(body)), "prof", auth.RoleInstructor)
	rec := httptest.NewRecorder()

	s.handleCreateSession(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	mockMgr.AssertExpectations(t)
}

func TestHandleCreateSession_LearnerRestrictions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"for another user", `{"user_id":"bob","course_id":"py-101"}`},
		{"with limits", `{"course_id":"py-101","resource_limits":{"cpu_shares":2048}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)

			req := as(httptest.NewRequest("POST", "/labs/sessions", strings.NewReader(tt.body)), "alice", auth.RoleLearner)
			rec := httptest.NewRecorder()
			s.handleCreateSession(rec, req)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			mockMgr.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleCreateSession_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{nope`},
		{"unknown field", `{"course_id":"py-101","ttl_seconds":60}`},
		{"missing course", `{}`},
		{"bad course id", `{"course_id":"py 101"}`},
		{"negative memory", `{"course_id":"py-101","resource_limits":{"memory_bytes":-1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)

			req := as(httptest.NewRequest("POST", "/labs/sessions", strings.NewReader(tt.body)), "admin", auth.RoleAdmin)
			rec := httptest.NewRecorder()
			s.handleCreateSession(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var apiErr APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
			assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
		})
	}
}

func TestHandleCreateSession_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"duplicate", fmt.Errorf("%w: alice/py-101", session.ErrSessionAlreadyExists), http.StatusConflict, ErrCodeSessionAlreadyExists},
		{"timeout", session.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{"bad image", session.ErrInvalidImage, http.StatusBadRequest, ErrCodeInvalidImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)
			mockMgr.On("Create", mock.Anything, mock.Anything).Return(nil, tt.err)

			req := as(httptest.NewRequest("POST", "/labs/sessions", strings.NewReader(`{"course_id":"py-101"}`)), "alice", auth.RoleLearner)
			rec := httptest.NewRecorder()
			s.handleCreateSession(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var apiErr APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestHandleListSessions_LearnerSeesOwn(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	mockMgr.On("List", mock.Anything, store.Filter{UserID: "alice", Statuses: []string{"running", "idle"}}).
		Return([]*store.Session{aliceSession()}, nil)

	req := as(httptest.NewRequest("GET", "/labs/sessions?status=running,idle", nil), "alice", auth.RoleLearner)
	rec := httptest.NewRecorder()
	s.handleListSessions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got []store.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Len(t, got, 1)
	mockMgr.AssertExpectations(t)
}

func TestHandleListSessions_LearnerOtherUserForbidden(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	req := as(httptest.NewRequest("GET", "/labs/sessions?user_id=bob", nil), "alice", auth.RoleLearner)
	rec := httptest.NewRecorder()
	s.handleListSessions(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	mockMgr.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}

func TestHandleListSessions_InstructorScopedToSelf(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	req := as(httptest.NewRequest("GET", "/labs/sessions?user_id=alice", nil), "prof", auth.RoleInstructor)
	rec := httptest.NewRecorder()
	s.handleListSessions(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleListSessions_AdminFilters(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	mockMgr.On("List", mock.Anything, store.Filter{CourseID: "py-101"}).Return([]*store.Session{}, nil)

	req := as(httptest.NewRequest("GET", "/labs/sessions?course_id=py-101", nil), "root", auth.RoleAdmin)
	rec := httptest.NewRecorder()
	s.handleListSessions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleListSessions_UnknownStatus(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("List", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: unknown status %q", session.ErrInvalidRequest, "zombie"))

	req := as(httptest.NewRequest("GET", "/labs/sessions?status=zombie", nil), "admin", auth.RoleAdmin)
	rec := httptest.NewRecorder()
	s.handleListSessions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetSession(t *testing.T) {
	tests := []struct {
		name       string
		sub, role  string
		wantStatus int
	}{
		{"owner", "alice", auth.RoleLearner, http.StatusOK},
		{"instructor", "prof", auth.RoleInstructor, http.StatusOK},
		{"other learner", "bob", auth.RoleLearner, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)
			mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)

			req := httptest.NewRequest("GET", "/labs/sessions/"+testSessionID, nil)
			req.SetPathValue("id", testSessionID)
			rec := httptest.NewRecorder()
			s.handleGetSession(rec, as(req, tt.sub, tt.role))

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleGetSession_NotFound(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(nil, session.ErrSessionNotFound)

	req := httptest.NewRequest("GET", "/labs/sessions/"+testSessionID, nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleGetSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetSession_InvalidID(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	req := httptest.NewRequest("GET", "/labs/sessions/../etc", nil)
	req.SetPathValue("id", "../etc")
	rec := httptest.NewRecorder()
	s.handleGetSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	mockMgr.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestHandleStopSession(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	stopped := aliceSession()
	stopped.Status = store.StatusStopped
	stopped.Reason = session.ReasonUser
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)
	mockMgr.On("Stop", mock.Anything, testSessionID).Return(stopped, nil)

	req := httptest.NewRequest("POST", "/labs/sessions/"+testSessionID+"/stop", nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleStopSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusOK, rec.Code)
	var got store.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, store.StatusStopped, got.Status)
	mockMgr.AssertExpectations(t)
}

func TestHandleStopSession_Forbidden(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)

	req := httptest.NewRequest("POST", "/labs/sessions/"+testSessionID+"/stop", nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleStopSession(rec, as(req, "bob", auth.RoleLearner))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	mockMgr.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestHandleRemoveSession(t *testing.T) {
	tests := []struct {
		query        string
		removeVolume bool
	}{
		{"", false},
		{"?volume=true", true},
		{"?volume=0", false},
	}
	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)

			removed := aliceSession()
			removed.Status = store.StatusStopped
			removed.RuntimeHandle = ""
			removed.VolumeRemoved = tt.removeVolume
			mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)
			mockMgr.On("Remove", mock.Anything, testSessionID, tt.removeVolume).Return(removed, nil)

			req := httptest.NewRequest("DELETE", "/labs/sessions/"+testSessionID+tt.query, nil)
			req.SetPathValue("id", testSessionID)
			rec := httptest.NewRecorder()
			s.handleRemoveSession(rec, as(req, "alice", auth.RoleLearner))

			assert.Equal(t, http.StatusOK, rec.Code)
			mockMgr.AssertExpectations(t)
		})
	}
}

func TestHandleRemoveSession_BadVolumeFlag(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	req := httptest.NewRequest("DELETE", "/labs/sessions/"+testSessionID+"?volume=maybe", nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleRemoveSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRemoveSession_StillRunning(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)
	mockMgr.On("Remove", mock.Anything, testSessionID, false).Return(nil, session.ErrInvalidStateTransition)

	req := httptest.NewRequest("DELETE", "/labs/sessions/"+testSessionID, nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleRemoveSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleResizeSession(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	limits := runtime.Limits{CPUShares: 2048, MemoryBytes: 2 << 30}
	resized := aliceSession()
	resized.Limits = limits
	resized.RuntimeHandle = "d00d"
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)
	mockMgr.On("Resize", mock.Anything, testSessionID, limits).Return(resized, nil)

	body := `{"resource_limits":{"cpu_shares":2048,"memory_bytes":2147483648}}`
	req := httptest.NewRequest("POST", "/labs/sessions/"+testSessionID+"/resize", strings.NewReader(body))
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleResizeSession(rec, as(req, "prof", auth.RoleInstructor))

	assert.Equal(t, http.StatusOK, rec.Code)
	var got store.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, limits, got.Limits)
	assert.Equal(t, testSessionID, got.ID)
	mockMgr.AssertExpectations(t)
}

func TestHandleResizeSession_LearnerForbidden(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)

	body := `{"resource_limits":{"cpu_shares":4096}}`
	req := httptest.NewRequest("POST", "/labs/sessions/"+testSessionID+"/resize", strings.NewReader(body))
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleResizeSession(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	mockMgr.AssertNotCalled(t, "Resize", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleSessionUsage(t *testing.T) {
	mockMgr := &MockSessionService{}
	usage := &MockUsage{}
	s := testAPIServer(mockMgr)
	s.usage = usage

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)
	usage.On("Samples", testSessionID).Return([]runtime.Usage{
		{At: at, CPUPercent: 12.5, MemBytes: 100 << 20, MemLimitBytes: 512 << 20},
	})

	req := httptest.NewRequest("GET", "/labs/sessions/"+testSessionID+"/usage", nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleSessionUsage(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusOK, rec.Code)
	var got usageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got.Samples, 1)
	assert.Equal(t, 12.5, got.Samples[0].CPUPercent)
	assert.True(t, at.Equal(got.Samples[0].At))
}

func TestHandleSessionUsage_NoMonitor(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)

	req := httptest.NewRequest("GET", "/labs/sessions/"+testSessionID+"/usage", nil)
	req.SetPathValue("id", testSessionID)
	rec := httptest.NewRecorder()
	s.handleSessionUsage(rec, as(req, "alice", auth.RoleLearner))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"`+testSessionID+`","samples":[]}`, rec.Body.String())
}

func TestHandleHealth(t *testing.T) {
	pinger := &MockPinger{}
	s := testAPIServer(nil)
	s.runtime = pinger

	pinger.On("Ping", mock.Anything).Return(nil).Once()
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	pinger.On("Ping", mock.Anything).Return(runtime.ErrRuntimeUnavailable).Once()
	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealth_ImageCache(t *testing.T) {
	images := &MockImageCache{}
	s := testAPIServer(nil)
	s.images = images
	images.On("Status").Return(map[string]time.Time{
		"python:lab": time.Now(),
		"node:lab":   {},
	})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","images_warm":{"python:lab":true,"node:lab":false}}`, rec.Body.String())
}

func TestServer_Routes(t *testing.T) {
	mockMgr := &MockSessionService{}
	pinger := &MockPinger{}
	s := NewServer(Options{
		Sessions: mockMgr,
		Runtime:  pinger,
		Verifier: testVerifier(t),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	pinger.On("Ping", mock.Anything).Return(nil)
	mockMgr.On("Get", mock.Anything, testSessionID).Return(aliceSession(), nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/labs/sessions/" + testSessionID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequestWithContext(context.Background(), "GET", srv.URL+"/labs/sessions/"+testSessionID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "alice", auth.RoleLearner))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got store.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "alice", got.UserID)
}
