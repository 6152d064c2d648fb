package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"simbatch/internal/config"
	"simbatch/internal/dispatcher"
	"simbatch/internal/model"
	"simbatch/internal/store"
	"simbatch/internal/store/sqlstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := dispatcher.New(dispatcher.Options{Store: st})

	return &Server{
		store:      st,
		dispatcher: disp,
		cfg:        config.Defaults(),
	}, st
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetJob(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.RegisterRoutes()

	rec := doRequest(t, handler, http.MethodPost, "/jobs", createJobRequest{
		DeckIDs:     [4]string{"deck-a", "deck-b", "deck-c", "deck-d"},
		Simulations: 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, model.JobQueued, created.Status)

	rec = doRequest(t, handler, http.MethodGet, "/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Equal(t, created.ID, fetched.ID)
}

func TestCreateJobRejectsInvalidSimulationCount(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.RegisterRoutes()

	rec := doRequest(t, handler, http.MethodPost, "/jobs", createJobRequest{
		DeckIDs:     [4]string{"deck-a", "deck-b", "deck-c", "deck-d"},
		Simulations: 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobUnknownReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.RegisterRoutes()

	rec := doRequest(t, handler, http.MethodGet, "/jobs/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSimulationRejectsInvalidTransition(t *testing.T) {
	s, st := newTestServer(t)
	handler := s.RegisterRoutes()
	ctx := context.Background()

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks: [4]model.Deck{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Simulations: 4,
	})
	require.NoError(t, err)
	require.NoError(t, st.InitializeSimulations(ctx, job.ID, job.TotalSimCount))

	simID := model.FormatSimID(0)
	terminal := model.SimCompleted
	rec := doRequest(t, handler, http.MethodPatch, "/jobs/"+job.ID+"/simulations/"+simID, updateSimulationRequest{
		State: &terminal,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["updated"])
	require.Equal(t, "invalid_transition", body["reason"])
}

func TestHealthzReportsStoreHealth(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.RegisterRoutes()

	rec := doRequest(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerEndpointsRejectMissingSecret(t *testing.T) {
	s, st := newTestServer(t)
	s.cfg.WorkerSharedSecret = "top-secret"
	handler := s.RegisterRoutes()
	ctx := context.Background()

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		Decks: [4]model.Deck{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Simulations: 4,
	})
	require.NoError(t, err)

	rec := doRequest(t, handler, http.MethodPatch, "/jobs/"+job.ID, updateJobStatusRequest{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
