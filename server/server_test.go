package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/guildsync/chat"
	"github.com/onnwee/guildsync/membership"
	"github.com/onnwee/guildsync/provision"
	"github.com/onnwee/guildsync/router"
	"github.com/onnwee/guildsync/store"
	"github.com/onnwee/guildsync/testutil"
)

type testServer struct {
	fake    *testutil.FakeSession
	mem     *store.Memory
	handler http.Handler
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	fake := testutil.NewFakeSession()
	mem := store.NewMemory()
	prov := provision.New(fake, mem, provision.Options{})
	members := membership.New(fake, mem, mem, prov, membership.Options{})
	r := router.New(prov, members, mem, router.Options{})
	return &testServer{
		fake:    fake,
		mem:     mem,
		handler: NewMux(NewHandlers(mem, mem, r), auth),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, AuthConfig{})

	rr := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))

	rr = s.do(t, http.MethodGet, "/readyz", "", map[string]string{"X-Correlation-ID": "abc"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc", rr.Header().Get("X-Correlation-ID"))
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyzStoreDown(t *testing.T) {
	mem := store.NewMemory()
	h := NewMux(NewHandlers(downStore{}, mem, nil), AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "store", body["failed_check"])
}

func TestProvisionEndpoint(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	s.mem.AddGroup(store.Group{ID: "g1", Title: "Valor"})

	rr := s.do(t, http.MethodPost, "/admin/groups/provision", `{"group_id":"g1","title":"Valor"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp provisionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "g1", resp.GroupID)
	assert.NotEmpty(t, resp.TextChannelID)
	assert.NotEmpty(t, resp.VoiceChannelID)

	g, err := s.mem.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{resp.TextChannelID, resp.VoiceChannelID}, g.ChatChannelRefs)

	rr = s.do(t, http.MethodGet, "/admin/groups/g1/provisioning", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec recordResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, string(store.StateComplete), rec.State)

	rr = s.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status struct {
		Provisioning map[string]int `json:"provisioning"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Provisioning["complete"])
	assert.Equal(t, 0, status.Provisioning["failed"])
}

func TestProvisionEndpointErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setup  func(s *testServer)
		status int
	}{
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"group_id":"g1","title":"x","extra":1}`, status: http.StatusBadRequest},
		{name: "missing title", body: `{"group_id":"g1"}`, status: http.StatusBadRequest},
		{name: "title too long", body: `{"group_id":"g1","title":"` + strings.Repeat("x", 91) + `"}`, status: http.StatusBadRequest},
		{
			name: "role failure", body: `{"group_id":"g1","title":"Valor"}`, status: http.StatusBadGateway,
			setup: func(s *testServer) { s.fake.FailOn("CreateRole", errors.New("missing permissions"), 1) },
		},
		{
			name: "channel failure", body: `{"group_id":"g1","title":"Valor"}`, status: http.StatusBadGateway,
			setup: func(s *testServer) { s.fake.FailOn("CreateChannel:voice", errors.New("503"), 1) },
		},
		{name: "unknown group", body: `{"group_id":"ghost","title":"Valor"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, AuthConfig{})
			s.mem.AddGroup(store.Group{ID: "g1", Title: "Valor"})
			if tt.setup != nil {
				tt.setup(s)
			}
			rr := s.do(t, http.MethodPost, "/admin/groups/provision", tt.body, nil)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestJoinEndpoint(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	s.mem.AddGroup(store.Group{ID: "g1", Title: "Valor"})
	s.mem.AddGroup(store.Group{ID: "g2", Title: "Later"})
	s.mem.AddUser(store.User{ID: "u1", ChatHandle: "valor#0420"})
	s.mem.AddUser(store.User{ID: "u2", ChatHandle: "absent#0001"})
	s.fake.AddMember(chat.Member{ID: "42", Username: "valor", Discriminator: "0420"})

	rr := s.do(t, http.MethodPost, "/admin/groups/provision", `{"group_id":"g1","title":"Valor"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodPost, "/admin/groups/join", `{"user_id":"u1","group_id":"g1"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, s.fake.AssignedRoles("42"), 1)

	rr = s.do(t, http.MethodPost, "/admin/groups/join", `{"user_id":"u1","group_id":"g2"}`, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodPost, "/admin/groups/join", `{"user_id":"u2","group_id":"g1"}`, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/admin/groups/join", `{"user_id":"nobody","group_id":"g1"}`, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/admin/groups/join", `{"user_id":"u1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	s.mem.AddGroup(store.Group{ID: "g1", Title: "Valor"})
	s.fake.FailOn("CreateChannel", errors.New("timeout"), 1)

	rr := s.do(t, http.MethodPost, "/admin/groups/provision", `{"group_id":"g1","title":"Valor"}`, nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	rr = s.do(t, http.MethodPost, "/admin/reconcile", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Report router.ReconcileReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Report.Completed)
}

func TestRouteMethods(t *testing.T) {
	s := newTestServer(t, AuthConfig{})
	rr := s.do(t, http.MethodGet, "/admin/groups/provision", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = s.do(t, http.MethodGet, "/admin/groups/none/provisioning", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name   string
		auth   AuthConfig
		hdr    map[string]string
		basic  []string
		status int
	}{
		{name: "disabled", auth: AuthConfig{}, status: http.StatusOK},
		{name: "token ok", auth: AuthConfig{Token: "t0k"}, hdr: map[string]string{"X-Admin-Token": "t0k"}, status: http.StatusOK},
		{name: "token wrong", auth: AuthConfig{Token: "t0k"}, hdr: map[string]string{"X-Admin-Token": "nope"}, status: http.StatusUnauthorized},
		{name: "token missing", auth: AuthConfig{Token: "t0k"}, status: http.StatusUnauthorized},
		{name: "basic ok", auth: AuthConfig{Username: "admin", Password: "pw"}, basic: []string{"admin", "pw"}, status: http.StatusOK},
		{name: "basic wrong", auth: AuthConfig{Username: "admin", Password: "pw"}, basic: []string{"admin", "bad"}, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.auth)
			req := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
			for k, v := range tt.hdr {
				req.Header.Set(k, v)
			}
			if tt.basic != nil {
				req.SetBasicAuth(tt.basic[0], tt.basic[1])
			}
			rr := httptest.NewRecorder()
			s.handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}

	// Probes stay public.
	s := newTestServer(t, AuthConfig{Token: "t0k"})
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestProvisionStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, provisionStatus(&provision.RoleCreationError{GroupID: "g", Err: errors.New("x")}))
	assert.Equal(t, http.StatusBadGateway, provisionStatus(&provision.ChannelProvisioningError{GroupID: "g", Err: errors.New("x")}))
	assert.Equal(t, http.StatusBadRequest, provisionStatus(provision.ErrInvalidRequest))
	assert.Equal(t, http.StatusInternalServerError, provisionStatus(errors.New("db down")))
	assert.Equal(t, http.StatusBadGateway, joinStatus(&membership.RoleAssignmentError{Err: errors.New("x")}))
}
