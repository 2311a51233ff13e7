package vault

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/tests/testutil"
)

// fakeVault serves the KV v2 and health endpoints the client touches.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]map[string]any
	sealed  bool
}

func (f *fakeVault) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		sealed := f.sealed
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"initialized": true,
			"sealed":      sealed,
			"standby":     false,
		})
	})
	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len("/v1/secret/data/"):]
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			data, ok := f.secrets[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]any{"errors": []string{}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"data": data,
					"metadata": map[string]any{
						"created_time": "2026-08-25T00:00:00Z",
						"version":      1,
					},
				},
			})
		default:
			var body struct {
				Data map[string]any `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.secrets[path] = body.Data
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"created_time": "2026-08-25T00:00:00Z",
					"version":      1,
				},
			})
		}
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeVault) *Client {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	c, err := New(&Config{Address: server.URL, Token: "test-token"}, testutil.DiscardLogger())
	require.NoError(t, err)
	return c
}

func TestClientSecretKey(t *testing.T) {
	ctx := testutil.TestContext(t)
	fake := &fakeVault{secrets: make(map[string]map[string]any)}
	c := newTestClient(t, fake)

	t.Run("missing secret fails", func(t *testing.T) {
		_, err := c.SecretKey(ctx, "modular-api")
		assert.Error(t, err)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		require.NoError(t, c.PutSecretKey(ctx, "modular-api", "server-key"))
		key, err := c.SecretKey(ctx, "modular-api")
		require.NoError(t, err)
		assert.Equal(t, "server-key", key)
	})

	t.Run("secret without the key field fails", func(t *testing.T) {
		fake.mu.Lock()
		fake.secrets["other"] = map[string]any{"unrelated": "value"}
		fake.mu.Unlock()

		_, err := c.SecretKey(ctx, "other")
		assert.ErrorContains(t, err, SecretKeyField)
	})
}

func TestClientHealth(t *testing.T) {
	ctx := testutil.TestContext(t)
	fake := &fakeVault{secrets: make(map[string]map[string]any)}
	c := newTestClient(t, fake)

	require.NoError(t, c.Health(ctx))

	fake.mu.Lock()
	fake.sealed = true
	fake.mu.Unlock()
	assert.ErrorContains(t, c.Health(ctx), "sealed")
}

func TestClientConfig(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, testutil.DiscardLogger())
		assert.Error(t, err)
	})

	t.Run("missing address", func(t *testing.T) {
		_, err := New(&Config{Token: "test-token"}, testutil.DiscardLogger())
		assert.Error(t, err)
	})
}
