package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/executor"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/specindex"
	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/validate"
)

// staticGate authorizes any call carrying the magic key.
type staticGate struct {
	ac *auth.Context
}

func (g staticGate) Authorize(_ context.Context, cred auth.Credentials) (*auth.Context, error) {
	if cred.APIKey != "good-key" {
		return nil, &auth.Error{Reason: auth.ReasonInvalid}
	}
	return g.ac, nil
}

var goodCred = auth.Credentials{APIKey: "good-key"}

func fixture(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"note": {"type": "string"}
		},
		"required": ["id"]
	}`)
	echo := func(ctx context.Context, inv *registry.Invocation, progress registry.ProgressFunc) (any, error) {
		return map[string]any{"args": inv.Arguments, "params": inv.PathParams, "subject": inv.Auth.Subject}, nil
	}
	b := registry.NewBuilder()
	require.NoError(t, b.Register(specindex.OperationDescriptor{
		Method:        "GET",
		PathTemplate:  "/widgets/{id}",
		RequestSchema: schema,
	}, echo))
	reg, err := b.Build()
	require.NoError(t, err)
	val, err := validate.New(reg)
	require.NoError(t, err)

	gate := staticGate{ac: &auth.Context{Subject: "svc-a"}}
	return New(gate, reg, val, executor.New(), opts...)
}

func terminal(t *testing.T, s *stream.Session) stream.Event {
	t.Helper()
	var last stream.Event
	for ev := range s.Events() {
		last = ev
	}
	return last
}

func TestDispatchRunsCallToCompletion(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	s, err := d.Dispatch(context.Background(), &Request{
		Method:    "GET",
		Path:      "/widgets/42",
		Arguments: map[string]any{"note": "hi"},
		Cred:      goodCred,
	})
	require.NoError(t, err)

	ev := terminal(t, s)
	require.Equal(t, stream.KindComplete, ev.Kind)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)

	// Path parameters are merged into the arguments object.
	assert.Equal(t, map[string]any{"id": "42", "note": "hi"}, payload["args"])
	assert.Equal(t, map[string]string{"id": "42"}, payload["params"])
	assert.Equal(t, "svc-a", payload["subject"])
}

func TestDispatchByToolName(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	s, err := d.Dispatch(context.Background(), &Request{
		ToolName:  "GET /widgets/{id}",
		Arguments: map[string]any{"id": "7"},
		Cred:      goodCred,
	})
	require.NoError(t, err)
	assert.Equal(t, stream.KindComplete, terminal(t, s).Kind)
}

func TestDispatchAuthorizesBeforeValidation(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	// Arguments are invalid too; the auth failure must win.
	_, err := d.Dispatch(context.Background(), &Request{
		Method:    "GET",
		Path:      "/widgets/42",
		Arguments: map[string]any{"id": 99},
		Cred:      auth.Credentials{APIKey: "bad-key"},
	})
	require.Error(t, err)
	assert.True(t, auth.IsAuthError(err))
	assert.False(t, validate.IsValidationError(err))
}

func TestDispatchAuthorizesBeforeResolution(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	// Unknown tool with bad credentials: the caller must not learn whether
	// the tool exists.
	_, err := d.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/secret/thing",
		Cred:   auth.Credentials{APIKey: "bad-key"},
	})
	assert.True(t, auth.IsAuthError(err))
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	_, err := d.Dispatch(context.Background(), &Request{
		Method: "GET",
		Path:   "/gadgets/42",
		Cred:   goodCred,
	})
	assert.True(t, registry.IsNotFound(err))

	_, err = d.Dispatch(context.Background(), &Request{
		ToolName: "GET /gadgets/{id}",
		Cred:     goodCred,
	})
	assert.True(t, registry.IsNotFound(err))
}

func TestDispatchRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	_, err := d.Dispatch(context.Background(), &Request{
		ToolName:  "GET /widgets/{id}",
		Arguments: map[string]any{"note": "no id"},
		Cred:      goodCred,
	})
	assert.True(t, validate.IsValidationError(err))
}

func TestDispatchExplicitArgumentsWinOverPathParams(t *testing.T) {
	t.Parallel()

	d := fixture(t)
	s, err := d.Dispatch(context.Background(), &Request{
		Method:    "GET",
		Path:      "/widgets/42",
		Arguments: map[string]any{"id": "explicit"},
		Cred:      goodCred,
	})
	require.NoError(t, err)

	ev := terminal(t, s)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, map[string]any{"id": "explicit"}, payload["args"])
}

func TestAuthorizeChecksExpiryAtCallTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(-time.Minute)

	schemaless := func(ctx context.Context, inv *registry.Invocation, progress registry.ProgressFunc) (any, error) {
		return nil, nil
	}
	b := registry.NewBuilder()
	require.NoError(t, b.Register(specindex.OperationDescriptor{Method: "GET", PathTemplate: "/x"}, schemaless))
	reg, err := b.Build()
	require.NoError(t, err)
	val, err := validate.New(reg)
	require.NoError(t, err)

	d := New(staticGate{ac: &auth.Context{Subject: "svc", Expiry: expiry}}, reg, val, executor.New(),
		WithClock(func() time.Time { return now }))

	_, err = d.Authorize(context.Background(), goodCred)
	require.Error(t, err)
	var ae *auth.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, auth.ReasonExpired, ae.Reason)
}
