package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/types"
)

func TestCall_AttachesAPIKeyAndContentType(t *testing.T) {
	var gotKey, gotCT, gotExec string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotCT = r.Header.Get("Content-Type")
		gotExec = r.Header.Get("x-execution-id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	resp, err := c.Call("/ping", types.CallOptions{Method: http.MethodPost}, "exec-1", "")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "exec-1", gotExec)
}

func TestReportExecutionResult_BestEffortOnFailure(t *testing.T) {
	c := New("http://127.0.0.1:0", "key")
	assert.NotPanics(t, func() {
		c.ReportExecutionResult(t.Context(), harness.ExecutionResult{FunctionName: "fn"})
	})
}

func TestReportExecutionResult_PostsExpectedBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/functions/fn/execution-result", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	c.ReportExecutionResult(t.Context(), harness.ExecutionResult{
		ExecutionID:  "e1",
		FunctionName: "fn",
		Success:      true,
	})

	assert.Equal(t, "fn", body["function_name"])
	assert.Equal(t, true, body["success"])
}
