package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/call"
)

// fakeService backs the handlers with canned behavior.
type fakeService struct {
	active   *call.Session
	sessions map[string]*call.Session
	startErr error
	started  []string
}

func newFakeService() *fakeService {
	return &fakeService{sessions: map[string]*call.Session{}}
}

func (f *fakeService) StartCall(ctx context.Context, phoneNumber string) (*call.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, phoneNumber)
	s := call.NewSession(phoneNumber, call.DirectionOutbound)
	s.Status = call.StatusDialing
	f.sessions[s.ID] = s
	f.active = s
	return s, nil
}

func (f *fakeService) EndCall(ctx context.Context, id string) (*call.Session, error) {
	if f.active == nil || (id != "" && id != f.active.ID) {
		return nil, call.ErrNotFound
	}
	f.active.End(call.StatusCompleted, call.EndReasonUserHangup)
	ended := f.active
	f.active = nil
	return ended, nil
}

func (f *fakeService) ConnectAI(ctx context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return call.ErrNotFound
	}
	return nil
}

func (f *fakeService) UpdateStatus(ctx context.Context, id string, to call.Status) (*call.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, call.ErrNotFound
	}
	if err := s.SetStatus(to); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *fakeService) GetActive(ctx context.Context) (*call.Session, error) {
	if f.active == nil {
		return nil, call.ErrNotFound
	}
	return f.active, nil
}

func (f *fakeService) Get(ctx context.Context, id string) (*call.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, call.ErrNotFound
	}
	return s, nil
}

func (f *fakeService) List(ctx context.Context, limit, offset int) ([]*call.Session, error) {
	out := make([]*call.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func newTestServer(svc CallService) *httptest.Server {
	s := NewServer("127.0.0.1:0", svc, prometheus.NewRegistry())
	return httptest.NewServer(s.Handler())
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStartCall(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/calls/start",
		map[string]string{"phone_number": "+15551234"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	session := decode[call.Session](t, resp)
	assert.Equal(t, "+15551234", session.PhoneNumber)
	assert.Equal(t, call.StatusDialing, session.Status)
	assert.Equal(t, []string{"+15551234"}, svc.started)
}

func TestStartCallValidation(t *testing.T) {
	srv := newTestServer(newFakeService())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/calls/start", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCallConflict(t *testing.T) {
	svc := newFakeService()
	svc.startErr = call.ErrCallActive
	srv := newTestServer(svc)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/calls/start",
		map[string]string{"phone_number": "100"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHangupActiveCall(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc)
	defer srv.Close()

	doJSON(t, http.MethodPost, srv.URL+"/api/calls/start",
		map[string]string{"phone_number": "100"}).Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/calls/hangup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := decode[call.Session](t, resp)
	assert.Equal(t, call.StatusCompleted, session.Status)
}

func TestHangupWithoutActive(t *testing.T) {
	srv := newTestServer(newFakeService())
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/calls/hangup", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActiveAndGetByID(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc)
	defer srv.Close()

	created := decode[call.Session](t, doJSON(t, http.MethodPost,
		srv.URL+"/api/calls/start", map[string]string{"phone_number": "100"}))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/calls/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[call.Session](t, resp).ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/calls/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[call.Session](t, resp).ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/calls/does-not-exist", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateStatus(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc)
	defer srv.Close()

	created := decode[call.Session](t, doJSON(t, http.MethodPost,
		srv.URL+"/api/calls/start", map[string]string{"phone_number": "100"}))

	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/calls/"+created.ID+"/status",
		map[string]string{"status": "connected"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, call.StatusConnected, decode[call.Session](t, resp).Status)

	// Backward transition is rejected.
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/calls/"+created.ID+"/status",
		map[string]string{"status": "ringing"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/calls/"+created.ID+"/status",
		map[string]string{"status": "nonsense"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectAI(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc)
	defer srv.Close()

	created := decode[call.Session](t, doJSON(t, http.MethodPost,
		srv.URL+"/api/calls/start", map[string]string{"phone_number": "100"}))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/calls/"+created.ID+"/connect_ai", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/calls/unknown/connect_ai", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListCalls(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc)
	defer srv.Close()

	doJSON(t, http.MethodPost, srv.URL+"/api/calls/start",
		map[string]string{"phone_number": "100"}).Body.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/calls?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[[]call.Session](t, resp)
	assert.Len(t, sessions, 1)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newFakeService())
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(newFakeService())
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/calls/start", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
