package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	sync.Mutex
	posted  []map[string]any
	patched map[string]map[string]any
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Lock()
	defer s.Unlock()

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/runs":
		s.posted = append(s.posted, body)
		body["id"] = "run-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	case r.Method == http.MethodPatch && r.URL.Path == "/runs/run-1":
		if s.patched == nil {
			s.patched = map[string]map[string]any{}
		}
		s.patched["run-1"] = body
		body["id"] = "run-1"
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"Resource not found."}`))
	}
}

func TestClient(t *testing.T) {
	srv := &fakeServer{}
	server := httptest.NewServer(srv)
	defer server.Close()

	c := NewClient(server.URL)

	id, err := c.Started(context.Background(), Run{
		Sequence:   "wave",
		Channels:   []int{0, 2},
		Keyframes:  6,
		DurationMS: 1500,
		Mode:       "loaded",
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	require.Len(t, srv.posted, 1)
	assert.Equal(t, "wave", srv.posted[0]["sequence"])
	assert.EqualValues(t, 1500, srv.posted[0]["duration_ms"])
	assert.Equal(t, []any{float64(0), float64(2)}, srv.posted[0]["channels"])

	err = c.Finished(context.Background(), id, Result{
		Outcome:    "stopped",
		Elapsed:    750 * time.Millisecond,
		Err:        errors.New("boom"),
		FinishedAt: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	})
	require.NoError(t, err)

	patch := srv.patched["run-1"]
	require.NotNil(t, patch)
	assert.Equal(t, "stopped", patch["outcome"])
	assert.EqualValues(t, 750, patch["elapsed_ms"])
	assert.Equal(t, "boom", patch["error"])
	assert.NotContains(t, patch, "sequence")
}

func TestClientFinishedUnknownRun(t *testing.T) {
	server := httptest.NewServer(&fakeServer{})
	defer server.Close()

	err := NewClient(server.URL).Finished(context.Background(), "missing", Result{Outcome: "completed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestNew(t *testing.T) {
	assert.Equal(t, Noop{}, New(""))
	assert.IsType(t, &Client{}, New("http://localhost:8080"))

	id, err := Noop{}.Started(context.Background(), Run{})
	assert.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, Noop{}.Finished(context.Background(), "", Result{}))
}
