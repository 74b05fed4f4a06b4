package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/internal/logging"
	"github.com/mme-matchmaker/internal/matching"
	"github.com/mme-matchmaker/internal/matchstore"
	"github.com/mme-matchmaker/internal/registry"
	"github.com/mme-matchmaker/internal/repository"
	"github.com/mme-matchmaker/internal/scoring"
	"github.com/mme-matchmaker/pkg/federation"
	"github.com/mme-matchmaker/pkg/hpo"
)

const peerToken = "peer-secret"

type stubConfig struct {
	cfg *domain.Config
}

func (s *stubConfig) GetConfig() *domain.Config                 { return s.cfg }
func (s *stubConfig) GetDatabaseConfig() *domain.DatabaseConfig { return &s.cfg.Database }
func (s *stubConfig) GetServerConfig() *domain.ServerConfig     { return &s.cfg.Server }
func (s *stubConfig) Reload() error                             { return nil }
func (s *stubConfig) Validate() error                           { return nil }
func (s *stubConfig) Watch(func(*domain.Config))                {}
func (s *stubConfig) GetDatabaseConnectionString() string       { return "" }
func (s *stubConfig) GetRedisConnectionString() string          { return "" }
func (s *stubConfig) IsProduction() bool                        { return false }
func (s *stubConfig) IsDevelopment() bool                       { return true }

type failingRunner struct{ err error }

func (f failingRunner) RunSubmission(ctx context.Context, s *domain.Submission) ([]*aggregator.Outcome, error) {
	return []*aggregator.Outcome{{PatientID: s.Patients[0].ID, InternalErr: domain.ErrLocalStore}}, f.err
}

type testEnv struct {
	server      *Server
	submissions *repository.MemoryStore
	store       *matchstore.MemoryStore
	deps        Dependencies
}

func testOntology(t *testing.T) *hpo.Ontology {
	t.Helper()
	ont, err := hpo.New([]hpo.Term{
		{ID: "HP:0000001", Name: "All"},
		{ID: "HP:0001250", Name: "Seizure", Parents: []string{"HP:0000001"}, Genes: []string{"SCN1A"}},
		{ID: "HP:0002069", Name: "Bilateral tonic-clonic seizure", Parents: []string{"HP:0001250"}, Genes: []string{"GABRG2", "SCN1A"}},
		{ID: "HP:0000252", Name: "Microcephaly", Parents: []string{"HP:0000001"}, Genes: []string{"ASPM"}},
	}, 16, logging.Quiet())
	require.NoError(t, err)
	return ont
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.Quiet()

	cfg := &domain.Config{
		Server:   domain.ServerConfig{InboundTokens: []string{peerToken}},
		Matching: domain.MatchingConfig{MinScore: 0.1, CandidatePageSize: 100},
		Federation: domain.FederationConfig{
			LocalNodeID:    "local",
			LocalNodeLabel: "Local clinic",
			Nodes: []domain.Node{
				{ID: "disabled", Endpoint: "http://127.0.0.1:1", Token: "t", Enabled: false},
			},
		},
	}

	ont := testOntology(t)
	submissions := repository.NewMemoryStore(ont, 3)
	reg := registry.New(cfg.Federation, logger)
	matcher := matching.NewMatcher(submissions, scoring.NewScorer(ont, scoring.DefaultConfig()), reg, cfg.Matching, logger)
	store := matchstore.NewMemoryStore()
	client := federation.NewClient(nil, federation.DefaultBreakerSettings(), logger)

	deps := Dependencies{
		Submissions: submissions,
		Matcher:     matcher,
		Runner:      aggregator.New(matcher, client, reg, store, logger),
		Store:       store,
		Registry:    reg,
		Phenotypes:  ont,
		Logger:      logger,
	}
	env := &testEnv{
		server:      NewServer(&stubConfig{cfg: cfg}, deps),
		submissions: submissions,
		store:       store,
		deps:        deps,
	}
	gin.SetMode(gin.TestMode)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func seizurePatient(id string, term string) domain.PatientProfile {
	return domain.PatientProfile{
		ID:       id,
		Label:    "Patient " + id,
		Contact:  &domain.Contact{Name: "Dr. " + id, Href: "mailto:" + id + "@example.org"},
		Features: []domain.Term{{ID: term}},
	}
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.submissions.SaveSubmission(ctx, &domain.Submission{
		ID: "s1", CaseID: "case-1",
		Patients: []domain.PatientProfile{seizurePatient("p1", "HP:0001250"), seizurePatient("p2", "HP:0001250")},
	}))
	require.NoError(t, e.submissions.SaveSubmission(ctx, &domain.Submission{
		ID: "s2", CaseID: "case-2",
		Patients: []domain.PatientProfile{seizurePatient("p3", "HP:0002069")},
	}))
	require.NoError(t, e.submissions.SaveSubmission(ctx, &domain.Submission{
		ID: "s3", CaseID: "case-3",
		Patients: []domain.PatientProfile{seizurePatient("p4", "HP:0000252")},
	}))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	env.deps.Health = func(context.Context) error { return errors.New("db down") }
	unhealthy := NewServer(env.server.configManager, env.deps)
	w = httptest.NewRecorder()
	unhealthy.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmissions(t *testing.T) {
	env := newTestEnv(t)

	sub := domain.Submission{ID: "s1", CaseID: "case-1", Patients: []domain.PatientProfile{seizurePatient("p1", "HP:0001250")}}
	w := env.do(t, http.MethodPost, "/api/v1/submissions", sub, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/submissions/s1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Submission
	decode(t, w, &got)
	assert.Equal(t, "case-1", got.Patients[0].CaseID)
	assert.False(t, got.UpdatedAt.IsZero())

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		expected int
		code     string
	}{
		{"unknown submission", http.MethodGet, "/api/v1/submissions/nope", nil, http.StatusNotFound, domain.ErrCodeNotFound},
		{"missing features", http.MethodPost, "/api/v1/submissions", domain.Submission{ID: "s9", Patients: []domain.PatientProfile{{ID: "p9"}}}, http.StatusBadRequest, domain.ErrCodeValidation},
		{"malformed body", http.MethodPost, "/api/v1/submissions", "not an object", http.StatusBadRequest, domain.ErrCodeValidation},
		{"patient owned elsewhere", http.MethodPost, "/api/v1/submissions", domain.Submission{ID: "s2", Patients: []domain.PatientProfile{seizurePatient("p1", "HP:0001250")}}, http.StatusConflict, domain.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.expected, w.Code)
			var apiErr domain.APIError
			decode(t, w, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.NotEmpty(t, apiErr.RequestID)
		})
	}
}

func TestMatchSubmissionAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	w := env.do(t, http.MethodPost, "/api/v1/submissions/s1/match", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		SubmissionID string        `json:"submission_id"`
		Outcomes     []outcomeView `json:"outcomes"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "s1", resp.SubmissionID)
	require.Len(t, resp.Outcomes, 2)

	first := resp.Outcomes[0]
	assert.Equal(t, "p1", first.PatientID)
	require.NotNil(t, first.Internal)
	assert.Nil(t, first.External, "no enabled peers")
	assert.Empty(t, first.NodeFailures)

	var matched []string
	for _, r := range first.Internal.Results {
		matched = append(matched, r.PatientID)
	}
	assert.Equal(t, []string{"p3"}, matched, "siblings and unrelated phenotypes do not match")
	assert.Equal(t, "local", first.Internal.Results[0].Node.ID)

	// a second run appends rather than replaces
	w = env.do(t, http.MethodPost, "/api/v1/submissions/s1/match", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/patients/p1/matches", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history matchHistory
	decode(t, w, &history)
	require.Len(t, history.Internal, 2)
	assert.NotNil(t, history.External)
	assert.Empty(t, history.External)
	assert.True(t, history.Internal[0].MatchDate.After(history.Internal[1].MatchDate), "most recent first")
	assert.Contains(t, w.Body.String(), `"external":[]`)

	w = env.do(t, http.MethodGet, "/api/v1/patients/p1/matches/export", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "matches-p1.json")
	var export matchstore.MatchExport
	decode(t, w, &export)
	assert.Equal(t, 2, export.Count)

	w = env.do(t, http.MethodPost, "/api/v1/submissions/missing/match", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMatchSubmission_AggregationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	env.deps.Runner = failingRunner{err: &domain.AggregationError{PatientID: "p1", InternalErr: domain.ErrLocalStore}}
	srv := NewServer(env.server.configManager, env.deps)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/submissions/s1/match", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var apiErr domain.APIError
	decode(t, w, &apiErr)
	assert.Equal(t, domain.ErrCodeAggregation, apiErr.Code)
}

func TestPeerMatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	query := federation.MatchRequest{Patient: seizurePatient("remote-1", "HP:0001250")}
	authed := http.Header{"X-Auth-Token": []string{peerToken}}

	w := env.do(t, http.MethodPost, "/mme/match", query, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/mme/match", query, http.Header{"X-Auth-Token": []string{"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/mme/match", query, authed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, federation.ContentType, w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "case-1", "case ids stay local")

	var resp federation.MatchResponse
	decode(t, w, &resp)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "p1", resp.Results[0].Patient.ID)
	assert.Equal(t, "p2", resp.Results[1].Patient.ID)
	assert.Equal(t, "p3", resp.Results[2].Patient.ID)

	unit := domain.Node{ScoreScale: domain.ScoreScaleUnit}
	assert.InDelta(t, 1.0, federation.Normalize(unit, resp.Results[0].Score).Patient, 1e-12)
	assert.InDelta(t, 0.5, federation.Normalize(unit, resp.Results[2].Score).Patient, 1e-12)

	w = env.do(t, http.MethodPost, "/mme/match", federation.MatchRequest{Patient: domain.PatientProfile{ID: "empty"}}, authed)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodes(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/nodes", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Local domain.Node   `json:"local"`
		Nodes []domain.Node `json:"nodes"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "Local clinic", resp.Local.Label)
	assert.True(t, resp.Local.IsLocal)
	assert.Empty(t, resp.Nodes, "disabled nodes are not listed")
}

func TestHPOEndpoints(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		path     string
		expected int
		contains string
	}{
		{"search", "/api/v1/hpo/terms?query=seiz", http.StatusOK, "HP:0002069"},
		{"search with limit", "/api/v1/hpo/terms?query=seiz&limit=1", http.StatusOK, "HP:0001250"},
		{"bad limit", "/api/v1/hpo/terms?limit=zero", http.StatusBadRequest, "limit"},
		{"limit too large", "/api/v1/hpo/terms?limit=100000", http.StatusBadRequest, "limit"},
		{"genes", "/api/v1/hpo/genes?term=HP:0001250&term=HP:0002069", http.StatusOK, `{"gene":"SCN1A","count":2}`},
		{"genes without terms", "/api/v1/hpo/genes", http.StatusBadRequest, "term"},
		{"tree", "/api/v1/hpo/tree?term=HP:0001250", http.StatusOK, "Bilateral tonic-clonic seizure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, nil, nil)
			assert.Equal(t, tt.expected, w.Code)
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}

	w := env.do(t, http.MethodGet, "/api/v1/hpo/terms?query=seiz&limit=1", nil, nil)
	var resp struct {
		Terms []hpo.Term `json:"terms"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Terms, 1)
}
