package filestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGitHub emulates the slice of the contents API the store uses.
type fakeGitHub struct {
	files map[string]fakeGitHubFile
}

type fakeGitHubFile struct {
	sha     string
	content []byte
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len("/repos/acme/db/contents/"):]
		switch r.Method {
		case http.MethodGet:
			file, ok := f.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]any{"message": "Not Found"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"sha":      file.sha,
				"content":  base64.StdEncoding.EncodeToString(file.content),
				"encoding": "base64",
			})
		case http.MethodPut:
			var body struct {
				Content string `json:"content"`
				SHA     string `json:"sha"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			existing, ok := f.files[path]
			if ok && body.SHA != existing.sha {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]any{"message": "is at sha mismatch"})
				return
			}
			decoded, err := base64.StdEncoding.DecodeString(body.Content)
			require.NoError(t, err)
			newSHA := existing.sha + "x"
			if newSHA == "x" {
				newSHA = "sha-1"
			}
			f.files[path] = fakeGitHubFile{sha: newSHA, content: decoded}
			json.NewEncoder(w).Encode(map[string]any{
				"content": map[string]any{"sha": newSHA},
			})
		case http.MethodDelete:
			var body struct {
				SHA string `json:"sha"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			existing, ok := f.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]any{"message": "Not Found"})
				return
			}
			if body.SHA != existing.sha {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]any{"message": "sha mismatch"})
				return
			}
			delete(f.files, path)
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	})
}

func newTestGitHub(t *testing.T) (*GitHub, *fakeGitHub) {
	fake := &fakeGitHub{files: make(map[string]fakeGitHubFile)}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	store := NewGitHub(GitHubConfig{
		Owner:   "acme",
		Repo:    "db",
		Token:   "test-token",
		BaseURL: server.URL,
	})
	return store, fake
}

func TestGitHubGetMissingFile(t *testing.T) {
	store, _ := newTestGitHub(t)
	f, err := store.GetFile(context.Background(), "db/dashboards/index.json")
	require.NoError(t, err)
	require.False(t, f.Exists)
}

func TestGitHubPutAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestGitHub(t)

	token, err := store.PutFile(ctx, "db/dashboards/index.json", []byte(`{"dashboards":{}}`), "init dashboards index", "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	f, err := store.GetFile(ctx, "db/dashboards/index.json")
	require.NoError(t, err)
	require.True(t, f.Exists)
	require.Equal(t, token, f.Token)
	require.JSONEq(t, `{"dashboards":{}}`, string(f.Content))
}

func TestGitHubStaleShaMapsToConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestGitHub(t)

	stale, err := store.PutFile(ctx, "db/doc.json", []byte(`1`), "create", "")
	require.NoError(t, err)
	_, err = store.PutFile(ctx, "db/doc.json", []byte(`2`), "update", stale)
	require.NoError(t, err)

	_, err = store.PutFile(ctx, "db/doc.json", []byte(`3`), "stale", stale)
	require.ErrorIs(t, err, ErrConflict)
}

func TestGitHubDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestGitHub(t)

	token, err := store.PutFile(ctx, "db/doc.json", []byte(`1`), "create", "")
	require.NoError(t, err)
	require.NoError(t, store.DeleteFile(ctx, "db/doc.json", "delete", token))
	require.ErrorIs(t, store.DeleteFile(ctx, "db/doc.json", "delete again", token), ErrNotFound)
}
