package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"APPLY_URL": "https://x.test/apply", "TRIAL_OFFER": ""}
	assert.Equal(t, "Apply at https://x.test/apply. ", Render("Apply at {APPLY_URL}. {TRIAL_OFFER}", vars))
	assert.Equal(t, "Launch {LAUNCH_DATE}", Render("Launch {LAUNCH_DATE}", vars))
	assert.Equal(t, "{lower} stays", Render("{lower} stays", vars))
	assert.Equal(t, "", Render("", vars))
}

func TestHighIntent(t *testing.T) {
	s := Settings{HighIntentKeywords: []string{"Price", " ", "", "subscribe"}}
	assert.True(t, s.HighIntent("what is the PRICE?"))
	assert.True(t, s.HighIntent("I want to subscribe"))
	assert.False(t, s.HighIntent("hello there"))
	assert.False(t, Settings{}.HighIntent("price"))
}

func TestParseMergesDefaults(t *testing.T) {
	s, err := Parse([]byte(`
prompt: "Launch on {LAUNCH_DATE}"
vars:
  LAUNCH_DATE: "2026-11-01"
cta_every: 0
`))
	require.NoError(t, err)
	assert.Equal(t, "Launch on 2026-11-01", s.RenderPrompt())
	assert.Equal(t, 3, s.CTAEvery)
	assert.NotEmpty(t, s.HighIntentKeywords)
	assert.Contains(t, s.Vars, "APPLY_URL")

	_, err = Parse([]byte("prompt: [unclosed"))
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cta_every: 2\n"), 0o644))

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, w.Current().CTAEvery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher a moment to install before editing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("cta_every: 5\n"), 0o644))
	assert.Eventually(t, func() bool { return w.Current().CTAEvery == 5 }, 2*time.Second, 10*time.Millisecond)

	// A broken edit keeps the last good snapshot.
	require.NoError(t, os.WriteFile(path, []byte("cta_every: [\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, w.Current().CTAEvery)

	cancel()
	assert.NoError(t, <-done)
}

func TestStaticProvider(t *testing.T) {
	var p Provider = Static(Default())
	assert.Equal(t, 3, p.Current().CTAEvery)
}
