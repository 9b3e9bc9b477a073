package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/config"
	"github.com/felixgeelhaar/murmur/internal/credential"
	"github.com/felixgeelhaar/murmur/internal/observe"
	"github.com/felixgeelhaar/murmur/internal/transport"
	"github.com/felixgeelhaar/murmur/internal/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestCLI_Root(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "watch", "config"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestCLI_ConfigShow(t *testing.T) {
	cfgPath = writeConfig(t, "provider:\n  name: openai\n  api_key: sk-secret\nstore:\n  backend: memory\n")
	t.Cleanup(func() { cfgPath = "" })

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"config", "show"})
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetArgs(nil)
	})
	require.NoError(t, RootCmd.Execute())

	assert.Contains(t, out.String(), "name: openai")
	assert.Contains(t, out.String(), "********")
	assert.NotContains(t, out.String(), "sk-secret")
}

func TestCLI_ConfigSeal(t *testing.T) {
	t.Setenv(credential.PassphraseEnv, "cli-test")

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"config", "seal", "sk-abc"})
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetArgs(nil)
	})
	require.NoError(t, RootCmd.Execute())

	sealed := strings.TrimSpace(out.String())
	require.True(t, credential.IsSealed(sealed))
	sealer, err := credential.FromEnv()
	require.NoError(t, err)
	plain, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", plain)
}

// syncBuffer is written by the watcher and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startApp(t *testing.T) *httptest.Server {
	t.Helper()
	path := writeConfig(t, "store:\n  backend: memory\nprovider:\n  name: stub\n")
	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)

	app, err := NewApp(context.Background(), cfg, observe.New(io.Discard, false), clock.Real())
	require.NoError(t, err)
	ts := httptest.NewServer(app.Server.Handler())
	t.Cleanup(func() {
		ts.Close()
		app.Close()
	})
	return ts
}

func postJSON(t *testing.T, url, token string, body any) map[string]any {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(transport.TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data
}

func TestWatch_PlainRoundTrip(t *testing.T) {
	ts := startApp(t)
	token := postJSON(t, ts.URL+"/api/sessions", "", map[string]string{})["token"].(string)
	room := postJSON(t, ts.URL+"/api/rooms", token, map[string]string{})["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, WatchOptions{Server: ts.URL, Room: room, Token: token, History: 10},
			&ui.Printer{W: out}, strings.NewReader("what time is it?\n"))
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[message] agent:")
	}, 8*time.Second, 20*time.Millisecond)

	lines := out.String()
	assert.Contains(t, lines, "-- Connected")
	assert.Contains(t, lines, "[message] user: what time is it?")
	assert.Contains(t, lines, "[tool] agent: Clock")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_UnknownRoom(t *testing.T) {
	ts := startApp(t)
	token := postJSON(t, ts.URL+"/api/sessions", "", map[string]string{})["token"].(string)

	err := Watch(context.Background(), WatchOptions{Server: ts.URL, Room: "missing", Token: token}, ui.SilentUI{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestWatch_HistoryNeedsSession(t *testing.T) {
	ts := startApp(t)

	err := Watch(context.Background(), WatchOptions{Server: ts.URL, Room: "whatever", Token: "bogus", History: 5}, ui.SilentUI{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load history")
}
