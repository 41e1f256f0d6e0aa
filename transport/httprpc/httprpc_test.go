package httprpc

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
	goahttp "goa.design/goa/v3/http"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/dispatch"
	"github.com/toolgate-io/toolgate/executor"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/specindex"
	"github.com/toolgate-io/toolgate/validate"
)

const testKey = "test-key"

func testMux(t *testing.T) http.Handler {
	t.Helper()

	widgetSchema := json.RawMessage(`{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`)
	echo := func(ctx context.Context, inv *registry.Invocation, progress registry.ProgressFunc) (any, error) {
		if err := progress(ctx, map[string]any{"status": "fetching"}); err != nil {
			return nil, err
		}
		return map[string]any{"id": inv.Arguments["id"]}, nil
	}
	fail := func(context.Context, *registry.Invocation, registry.ProgressFunc) (any, error) {
		return nil, errors.New("backend unavailable")
	}

	b := registry.NewBuilder()
	require.NoError(t, b.Register(specindex.OperationDescriptor{
		Method:        "GET",
		PathTemplate:  "/widgets/{id}",
		RequestSchema: widgetSchema,
		Tags:          []string{"public"},
		Summary:       "Fetch one widget",
	}, echo))
	require.NoError(t, b.Register(specindex.OperationDescriptor{
		Method:       "POST",
		PathTemplate: "/jobs",
		Tags:         []string{"internal"},
	}, fail))
	reg, err := b.Build()
	require.NoError(t, err)
	val, err := validate.New(reg)
	require.NoError(t, err)

	gate := auth.NewAPIKeyGate([]auth.APIKeyEntry{{Key: testKey, Subject: "svc-test"}})
	d := dispatch.New(gate, reg, val, executor.New())

	mux := goahttp.NewMuxer()
	New(d).Mount(mux)
	return mux
}

func invoke(t *testing.T, h http.Handler, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(body))
	if authed {
		req.Header.Set(auth.APIKeyHeader, testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvokeReturnsTerminalResult(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{"method": "GET", "path": "/widgets/42"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "complete", string(res.Kind))
	assert.NotEmpty(t, res.SessionID)
	// The progress event was absorbed; only the terminal frame answers.
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, map[string]any{"id": "42"}, res.Payload)
}

func TestInvokeByToolName(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{"toolName": "GET /widgets/{id}", "arguments": {"id": "7"}}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInvokeRequiresCredentials(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{"method": "GET", "path": "/widgets/42"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_error")
}

func TestInvokeUnknownTool(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{"method": "GET", "path": "/gadgets/42"}`, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_tool")
}

func TestInvokeRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{"toolName": "GET /widgets/{id}", "arguments": {}}`, true)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestInvokeRejectsMalformedEnvelope(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{not json`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvokeSurfacesExecutionError(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	rec := invoke(t, h, `{"method": "POST", "path": "/jobs"}`, true)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "error", string(res.Kind))
	assert.Equal(t, "backend unavailable", res.Reason)
}

func TestListToolsRequiresCredentials(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListToolsHonorsTagFilters(t *testing.T) {
	t.Parallel()

	h := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/tools?exclude=internal", nil)
	req.Header.Set(auth.APIKeyHeader, testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Tools []ToolInfo `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "GET /widgets/{id}", out.Tools[0].Name)
	assert.Equal(t, "Fetch one widget", out.Tools[0].Summary)
}
