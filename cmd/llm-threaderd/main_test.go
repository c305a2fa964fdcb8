package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-threaderd/internal/config"
	"llm-threaderd/pkg/controller"
)

func newTestController(t *testing.T) *controller.Controller {
	t.Helper()
	opts := config.Defaults()
	opts.Persistence.DSN = filepath.Join(t.TempDir(), "main_test.db")
	c, err := controller.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func TestIntrospectionHandler_StateRoute(t *testing.T) {
	c := newTestController(t)
	srv := httptest.NewServer(introspectionHandler(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "Admission")
}

func TestIntrospectionHandler_HistoryRoute(t *testing.T) {
	c := newTestController(t)
	srv := httptest.NewServer(introspectionHandler(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "usage")
	assert.Contains(t, body, "scaling")
}

func TestIntrospectionHandler_TrendsRoute(t *testing.T) {
	c := newTestController(t)
	srv := httptest.NewServer(introspectionHandler(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/trends")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "statistics")
	assert.Contains(t, body, "recent")
}

func TestWriteJSON_EncodesValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, map[string]int{"threads": 4})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "threads")
}

func TestWriteJSON_UnencodableValueReturns500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, make(chan int))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
