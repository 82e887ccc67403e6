package rulesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource_Fetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"messaging":[]}`), 0o600))

	source := NewFileSource(path)

	data, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"messaging":[]}`, string(data))
}

func TestFileSource_Fetch_MissingFile(t *testing.T) {
	source := NewFileSource(filepath.Join(t.TempDir(), "does-not-exist.json"))

	_, err := source.Fetch(context.Background())
	assert.Error(t, err)
}

func TestHTTPSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messaging":[]}`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, server.Client())

	data, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"messaging":[]}`, string(data))
}

func TestHTTPSource_Fetch_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, server.Client())

	_, err := source.Fetch(context.Background())
	assert.Error(t, err)
}
