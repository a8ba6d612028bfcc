package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/celerix-dev/celerix-machines/internal/driver"
	"github.com/celerix-dev/celerix-machines/internal/machines"
	"github.com/celerix-dev/celerix-machines/internal/metrics"
	"github.com/celerix-dev/celerix-machines/internal/store"
	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

const (
	base      = "/api/v1/provider/aws/identity/id-1/machine"
	bobToken  = "tok-bob"
	eveToken  = "tok-eve"
	rootToken = "tok-root"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	router  *gin.Engine
	catalog *driver.Catalog
	store   *store.BadgerStore
}

func setupTestRouter(t *testing.T, images ...sdk.NativeMachine) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)
	ctx := context.Background()

	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, u := range []*schema.User{
		{Username: "bob"}, {Username: "eve"}, {Username: "root", IsStaff: true},
	} {
		require.NoError(t, st.PutUser(ctx, u))
	}
	require.NoError(t, st.PutToken(ctx, bobToken, "bob"))
	require.NoError(t, st.PutToken(ctx, eveToken, "eve"))
	require.NoError(t, st.PutToken(ctx, rootToken, "root"))
	require.NoError(t, st.PutToken(ctx, "tok-ghost", "ghost"))
	require.NoError(t, st.PutIdentity(ctx, &schema.Identity{
		ID: "id-1", ProviderID: "aws", CreatedBy: "bob", Members: []string{"eve", "ghost"},
	}))
	require.NoError(t, st.PutIdentity(ctx, &schema.Identity{ID: "id-gcp", ProviderID: "gcp", CreatedBy: "bob"}))
	require.NoError(t, st.PutIdentity(ctx, &schema.Identity{ID: "id-private", ProviderID: "aws", CreatedBy: "root"}))

	catalog := driver.NewCatalog(nil, nil, log)
	catalog.AddProvider("aws")
	for _, m := range images {
		catalog.Put("aws", m)
	}
	factory := driver.NewFactory(catalog, nil, log)

	h := &Handler{
		Machines: machines.NewService(factory, st, log),
		Store:    st,
		Metrics:  metrics.New(func() float64 { return float64(factory.OpenSessions()) }),
		Log:      log,
	}
	return &env{router: NewRouter(h), catalog: catalog, store: st}
}

func defaultImages() []sdk.NativeMachine {
	return []sdk.NativeMachine{
		{ID: "eki-1", Name: "kernel", CreatedAt: epoch},
		{ID: "ami-1", Name: "bob image", Owner: "bob", CreatedAt: epoch.Add(time.Minute)},
	}
}

func (e *env) do(t *testing.T, method, path, token string, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeFailure(t *testing.T, w *httptest.ResponseRecorder) schema.Failure {
	t.Helper()
	var body schema.FailureBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	return body.Errors[0]
}

func decodeMachines(t *testing.T, w *httptest.ResponseRecorder) []schema.CoreMachine {
	t.Helper()
	var list []schema.CoreMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	return list
}

func TestAuthentication(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "GET", base, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 401, decodeFailure(t, w).Code)

	w = e.do(t, "GET", base, "nope", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, msgBadToken, decodeFailure(t, w).Message)

	w = e.do(t, "GET", "/ping", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListMachines(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "GET", base, eveToken, "")
	require.Equal(t, http.StatusOK, w.Code)

	list := decodeMachines(t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "ami-1", list[0].ID)
	assert.Equal(t, "bob", list[0].CreatedBy)
	assert.Equal(t, "aws", list[0].ProviderID)
}

func TestIdentityScope(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "GET", "/api/v1/provider/aws/identity/id-gcp/machine", bobToken, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "GET", "/api/v1/provider/aws/identity/missing/machine", bobToken, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "GET", "/api/v1/provider/aws/identity/id-private/machine", bobToken, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "GET", "/api/v1/provider/aws/identity/id-private/machine", rootToken, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMachineHistory(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "GET", base+"/history", bobToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	list := decodeMachines(t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "ami-1", list[0].ID)

	// Past the last page clamps to the last page.
	w = e.do(t, "GET", base+"/history?page=2", bobToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page schema.MachinePage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "ami-1", page.Results[0].ID)
	assert.Nil(t, page.Next)
	assert.Nil(t, page.Previous)

	w = e.do(t, "GET", base+"/history", eveToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeMachines(t, w))
}

func TestMachineHistory_UnknownUser(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "GET", base+"/history", "tok-ghost", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	f := decodeFailure(t, w)
	assert.Equal(t, 401, f.Code)
	assert.Equal(t, "User not found", f.Message)
}

func TestMachineHistory_Pagination(t *testing.T) {
	var images []sdk.NativeMachine
	for i := 0; i < 45; i++ {
		images = append(images, sdk.NativeMachine{
			ID: fmt.Sprintf("ami-%02d", i), Owner: "bob", CreatedAt: epoch.Add(time.Duration(i) * time.Minute),
		})
	}
	e := setupTestRouter(t, images...)

	w := e.do(t, "GET", base+"/history?page=2", bobToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page schema.MachinePage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 45, page.Count)
	require.Len(t, page.Results, 20)
	// Newest first: page 2 starts at the 21st newest.
	assert.Equal(t, "ami-24", page.Results[0].ID)
	require.NotNil(t, page.Next)
	require.NotNil(t, page.Previous)
	assert.Equal(t, base+"/history?page=3", *page.Next)
	assert.Equal(t, base+"/history?page=1", *page.Previous)

	w = e.do(t, "GET", base+"/history?page=abc", bobToken, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, "ami-44", page.Results[0].ID)
	assert.Nil(t, page.Previous)

	w = e.do(t, "GET", base+"/history?page=99", bobToken, "")
	page = schema.MachinePage{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Results, 5)
	assert.Equal(t, "ami-04", page.Results[0].ID)
	assert.Nil(t, page.Next)
}

func TestGetMachine(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "GET", base+"/ami-1", eveToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	var m schema.CoreMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "bob image", m.Name)

	w = e.do(t, "GET", base+"/ami-404", eveToken, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 404, decodeFailure(t, w).Code)
}

func TestUpdateMachine_NonOwner(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "PATCH", base+"/ami-1", eveToken, `{"name":"hijacked"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	f := decodeFailure(t, w)
	assert.Equal(t, 401, f.Code)
	assert.Equal(t, msgNotOwner, f.Message)

	// Payload problems do not leak past the ownership check.
	w = e.do(t, "PUT", base+"/ami-1", eveToken, `{"name":`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	native, err := e.catalog.Get("aws", "ami-1")
	require.NoError(t, err)
	assert.Empty(t, native.Metadata)

	w = e.do(t, "GET", base+"/ami-1", bobToken, "")
	var m schema.CoreMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "bob image", m.Name)
}

func TestUpdateMachine_OwnerAndStaff(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"renamed","tags":["gpu"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var m schema.CoreMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "renamed", m.Name)
	assert.Equal(t, []string{"gpu"}, m.Tags)
	assert.EqualValues(t, 2, m.Version)

	w = e.do(t, "PUT", base+"/ami-1", rootToken, `{"description":"curated"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m = schema.CoreMachine{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "renamed", m.Name)
	assert.Equal(t, "curated", m.Description)

	native, err := e.catalog.Get("aws", "ami-1")
	require.NoError(t, err)
	assert.Equal(t, "curated", native.Metadata["description"])
	assert.Equal(t, "renamed", native.Metadata["name"])
}

func TestUpdateMachine_Invalid(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"`+strings.Repeat("x", 300)+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var fields map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fields))
	assert.Contains(t, fields, "name")

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"tags":["ok",""]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fields))
	assert.Contains(t, fields, "non_field_errors")

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fields))
	assert.Contains(t, fields, "name")

	native, err := e.catalog.Get("aws", "ami-1")
	require.NoError(t, err)
	assert.Empty(t, native.Metadata)

	w = e.do(t, "GET", base+"/ami-1", bobToken, "")
	var m schema.CoreMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "bob image", m.Name)
	assert.EqualValues(t, 1, m.Version)
}

func TestUpdateMachine_VersionConflict(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"a"}`, "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"b"}`, "If-Match", `"1"`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"b","version":2}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"c"}`, "If-Match", "soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "PATCH", base+"/ami-1", bobToken, `{"name":"d"}`, "If-Match", "*")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var m schema.CoreMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "d", m.Name)
	assert.EqualValues(t, 4, m.Version)
}

func TestParseIfMatch(t *testing.T) {
	tests := []struct {
		header  string
		want    *int64
		wantErr bool
	}{
		{header: ""},
		{header: "*"},
		{header: ` "3"`, want: int64Ptr(3)},
		{header: `W/"5"`, want: int64Ptr(5)},
		{header: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := parseIfMatch(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestListProjects(t *testing.T) {
	e := setupTestRouter(t)
	ctx := context.Background()
	require.NoError(t, e.store.PutProject(ctx, &schema.Project{ID: "p1", CreatedBy: "bob", InstanceIDs: []string{"i1"}}))
	require.NoError(t, e.store.PutInstance(ctx, &schema.Instance{ID: "i1"}))
	_, err := e.store.Migrate(ctx, nil)
	require.NoError(t, err)

	w := e.do(t, "GET", "/api/v1/project", bobToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	var views []schema.ProjectView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, []string{"i1"}, views[0].Instances)

	w = e.do(t, "GET", "/api/v1/project", eveToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestCORSAndMetrics(t *testing.T) {
	e := setupTestRouter(t, defaultImages()...)

	w := e.do(t, "OPTIONS", base, "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	e.do(t, "PATCH", base+"/ami-1", eveToken, `{"name":"x"}`)
	w = e.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `celerix_machines_updates_total{outcome="denied"} 1`)
	assert.Contains(t, w.Body.String(), "celerix_machines_driver_sessions_open 0")
}
