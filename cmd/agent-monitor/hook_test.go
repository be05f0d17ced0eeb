package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedHook struct {
	path string
	body string
}

func hookTestEnv(t *testing.T, serverURL string) (*globalOptions, string) {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("AGENTMON_DATA_DIR", dataDir)
	path := filepath.Join(dataDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[hooks]\nserver_url = \""+serverURL+"\"\n"), 0o600))
	return &globalOptions{configPath: path}, dataDir
}

func spooled(t *testing.T, dataDir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dataDir, "spool", "*.json"))
	require.NoError(t, err)
	return matches
}

func TestForwardHook_PostsToServer(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []recordedHook
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, recordedHook{path: r.URL.Path, body: string(body)})
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	g, dataDir := hookTestEnv(t, ts.URL)
	payload := `{"session_id":"s1","cwd":"/work/api","hook_event_name":"UserPromptSubmit","prompt":"go"}`
	var errOut bytes.Buffer

	forwardHook(context.Background(), g, "", strings.NewReader(payload), &errOut)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "/hook/user-prompt-submit", seen[0].path)
	assert.JSONEq(t, payload, seen[0].body)
	assert.Empty(t, errOut.String())
	assert.Empty(t, spooled(t, dataDir))
}

func TestForwardHook_ArgumentNamesEvent(t *testing.T) {
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer ts.Close()

	g, _ := hookTestEnv(t, ts.URL)
	forwardHook(context.Background(), g, "Stop", strings.NewReader(`{"session_id":"s1"}`), io.Discard)

	assert.Equal(t, "/hook/stop", path)
}

func TestForwardHook_SpoolsWhenServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	g, dataDir := hookTestEnv(t, url)
	forwardHook(context.Background(), g, "stop", strings.NewReader(`{"session_id":"s1"}`), io.Discard)

	files := spooled(t, dataDir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s1"`)
}

func TestForwardHook_SpoolsOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	g, dataDir := hookTestEnv(t, ts.URL)
	forwardHook(context.Background(), g, "session-end", strings.NewReader(`{"session_id":"s1"}`), io.Discard)

	assert.Len(t, spooled(t, dataDir), 1)
}

func TestForwardHook_BadInputReportsOnly(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer ts.Close()

	g, dataDir := hookTestEnv(t, ts.URL)
	var errOut bytes.Buffer
	forwardHook(context.Background(), g, "", strings.NewReader(`not json`), &errOut)

	assert.False(t, called)
	assert.Contains(t, errOut.String(), "agent-monitor hook")
	assert.Empty(t, spooled(t, dataDir))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "agent-monitor v"+Version+"\n", out.String())
}

func TestHooksInstallCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTMON_DATA_DIR", t.TempDir())

	run := func(args ...string) string {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append([]string{"hooks"}, args...))
		require.NoError(t, root.Execute())
		return out.String()
	}

	assert.Contains(t, run("install", "--config-dir", dir), "Installed hooks")
	assert.Contains(t, run("install", "--config-dir", dir), "already installed")
	assert.Contains(t, run("uninstall", "--config-dir", dir), "Removed hooks")
	assert.Contains(t, run("uninstall", "--config-dir", dir), "No hooks to remove")
}
