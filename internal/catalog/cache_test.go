package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/eventstore"
	"github.com/loqalabs/loqa-voices/internal/fetch"
	"github.com/loqalabs/loqa-voices/internal/snapshot"
	"github.com/loqalabs/loqa-voices/internal/voice"
)

const (
	bobJSON   = `{"en_US":[{"name":"Bob","locale":"en_US","gender":"male","styles":["default"]}]}`
	aliceJSON = `{"en_GB":[{"name":"Alice","locale":"en_GB","gender":"female","styles":["chat"]}]}`
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	text    string
	err     error
	release chan struct{}
}

func (f *fakeFetcher) RequestVoices(ctx context.Context, src config.SourceConfig) (string, error) {
	f.mu.Lock()
	f.calls++
	release, text, err := f.release, f.text, f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

func (f *fakeFetcher) set(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.err = text, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (r *fakeRecorder) AppendEvent(ctx context.Context, evt eventstore.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, evt := range r.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

type readOnlyStore struct {
	*snapshot.Store
}

func (readOnlyStore) Write(string) error { return snapshot.ErrWrite }

// gatedStore blocks Read until release is closed and signals reading first.
type gatedStore struct {
	*snapshot.Store
	reading chan struct{}
	release chan struct{}
}

func newGatedStore(t *testing.T, content string) *gatedStore {
	t.Helper()
	store := newStore(t)
	if err := store.Write(content); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return &gatedStore{Store: store, reading: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedStore) Read() (string, error) {
	g.reading <- struct{}{}
	<-g.release
	return g.Store.Read()
}

func (g *gatedStore) waitReading(t *testing.T) {
	t.Helper()
	select {
	case <-g.reading:
	case <-time.After(3 * time.Second):
		t.Fatal("snapshot was never read")
	}
}

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	return snapshot.NewStore(filepath.Join(t.TempDir(), "voices.json"))
}

func newCache(t *testing.T, f fetch.Fetcher, store Store, rec Recorder) *Cache {
	t.Helper()
	c := New(context.Background(), f, store, rec, newLogger())
	t.Cleanup(c.Close)
	return c
}

func wait(t *testing.T, done <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-done:
		return ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion")
		return false
	}
}

func assertIdle(t *testing.T, c *Cache) {
	t.Helper()
	if c.IsLoading() || c.IsUpdating() {
		t.Fatalf("expected idle cache, got state %s", c.State())
	}
}

func TestLoadWithoutSnapshot(t *testing.T) {
	c := newCache(t, &fakeFetcher{}, newStore(t), nil)
	if wait(t, c.Load(context.Background())) {
		t.Fatal("expected load without snapshot to fail")
	}
	if c.Catalog() != nil {
		t.Fatal("catalog should remain absent")
	}
	assertIdle(t, c)
}

func TestLoadSnapshot(t *testing.T) {
	store := newStore(t)
	if err := store.Write(bobJSON); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	c := newCache(t, &fakeFetcher{}, store, nil)

	if !wait(t, c.Load(context.Background())) {
		t.Fatal("expected load to succeed")
	}
	voices := c.Voices()
	if len(voices) != 1 {
		t.Fatalf("expected 1 voice, got %d", len(voices))
	}
	v := voices[0]
	if v.Name != "Bob" || v.Locale != "en_US" || v.Gender != "male" || !slices.Equal(v.Styles, []string{"default"}) {
		t.Fatalf("unexpected voice %+v", v)
	}
	if names := c.VoiceNames(); !slices.Equal(names, []string{"Bob"}) {
		t.Fatalf("unexpected names %v", names)
	}
	assertIdle(t, c)
}

func TestLoadInvalidSnapshot(t *testing.T) {
	store := newStore(t)
	if err := store.Write("not json"); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	c := newCache(t, &fakeFetcher{}, store, nil)
	if wait(t, c.Load(context.Background())) {
		t.Fatal("expected load of invalid snapshot to fail")
	}
	if c.Catalog() != nil {
		t.Fatal("catalog should remain absent")
	}
}

func TestUpdateWritesSnapshot(t *testing.T) {
	store := newStore(t)
	rec := &fakeRecorder{}
	c := newCache(t, &fakeFetcher{text: aliceJSON}, store, rec)

	if !wait(t, c.Update(context.Background(), config.SourceConfig{Mode: "mock"})) {
		t.Fatal("expected update to succeed")
	}
	persisted, err := store.Read()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if persisted != aliceJSON {
		t.Fatalf("snapshot not written through: %q", persisted)
	}
	if names := c.VoiceNames(); !slices.Equal(names, []string{"Alice"}) {
		t.Fatalf("unexpected names %v", names)
	}
	if kinds := rec.kinds(); !slices.Equal(kinds, []string{"update"}) {
		t.Fatalf("unexpected recorded events %v", kinds)
	}
	assertIdle(t, c)
}

func TestUpdateTimeoutWithoutSnapshot(t *testing.T) {
	f := &fakeFetcher{err: errors.Join(fetch.ErrTransport, errors.New("timeout"))}
	c := newCache(t, f, newStore(t), nil)

	if wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("expected update to fail")
	}
	if c.Catalog() != nil {
		t.Fatal("catalog should remain absent")
	}
	assertIdle(t, c)
}

func TestUpdateEmptyReplyFails(t *testing.T) {
	c := newCache(t, &fakeFetcher{}, newStore(t), nil)
	if wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("expected empty reply to fail")
	}
}

func TestUpdateFailureFallsBackToSnapshot(t *testing.T) {
	store := newStore(t)
	if err := store.Write(bobJSON); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	rec := &fakeRecorder{}
	c := newCache(t, &fakeFetcher{text: "garbage"}, store, rec)

	if wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("update result must report the failed fetch")
	}
	if names := c.VoiceNames(); !slices.Equal(names, []string{"Bob"}) {
		t.Fatalf("expected fallback catalog, got %v", names)
	}
	if kinds := rec.kinds(); !slices.Equal(kinds, []string{"update", "fallback_load"}) {
		t.Fatalf("unexpected recorded events %v", kinds)
	}
	persisted, _ := store.Read()
	if persisted != bobJSON {
		t.Fatal("failed update must not touch the snapshot")
	}
	assertIdle(t, c)
}

func TestUpdateFailureKeepsExistingCatalog(t *testing.T) {
	store := newStore(t)
	f := &fakeFetcher{text: aliceJSON}
	rec := &fakeRecorder{}
	c := newCache(t, f, store, rec)

	if !wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("expected first update to succeed")
	}
	before := c.Catalog()

	if err := store.Write(bobJSON); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	f.set("", errors.Join(fetch.ErrTransport, errors.New("timeout")))
	if wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("expected second update to fail")
	}
	if c.Catalog() != before {
		t.Fatal("catalog must be unchanged after a failed update")
	}
	if kinds := rec.kinds(); !slices.Equal(kinds, []string{"update", "update"}) {
		t.Fatalf("no fallback load expected, got %v", kinds)
	}
}

func TestUpdateSnapshotWriteFailureStillSucceeds(t *testing.T) {
	store := readOnlyStore{newStore(t)}
	c := newCache(t, &fakeFetcher{text: bobJSON}, store, nil)

	if !wait(t, c.Update(context.Background(), config.SourceConfig{})) {
		t.Fatal("write failure must not fail the update")
	}
	if c.Catalog().Len() != 1 {
		t.Fatal("expected catalog to be replaced")
	}
	if store.Exists() {
		t.Fatal("nothing should have been persisted")
	}
}

func TestSingleFlight(t *testing.T) {
	store := newStore(t)
	if err := store.Write(bobJSON); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	f := &fakeFetcher{text: aliceJSON, release: make(chan struct{})}
	c := newCache(t, f, store, nil)

	first := c.Update(context.Background(), config.SourceConfig{})
	if !c.IsUpdating() {
		t.Fatal("expected cache to be updating")
	}

	for name, done := range map[string]<-chan bool{
		"update": c.Update(context.Background(), config.SourceConfig{}),
		"load":   c.Load(context.Background()),
	} {
		select {
		case ok := <-done:
			if ok {
				t.Fatalf("%s during update should be rejected", name)
			}
		default:
			t.Fatalf("%s during update should complete immediately", name)
		}
	}
	if c.Voices() != nil {
		t.Fatal("no catalog expected while the first update is pending")
	}

	close(f.release)
	if !wait(t, first) {
		t.Fatal("expected first update to succeed")
	}
	if n := f.callCount(); n != 1 {
		t.Fatalf("expected a single fetch, got %d", n)
	}
	if names := c.VoiceNames(); !slices.Equal(names, []string{"Alice"}) {
		t.Fatalf("unexpected names %v", names)
	}
	assertIdle(t, c)
}

func TestRequestsRejectedWhileLoading(t *testing.T) {
	store := newGatedStore(t, bobJSON)
	f := &fakeFetcher{text: aliceJSON}
	c := newCache(t, f, store, nil)

	first := c.Load(context.Background())
	store.waitReading(t)
	if !c.IsLoading() || c.IsUpdating() {
		t.Fatalf("expected loading, got %s", c.State())
	}

	for name, done := range map[string]<-chan bool{
		"update": c.Update(context.Background(), config.SourceConfig{}),
		"load":   c.Load(context.Background()),
	} {
		select {
		case ok := <-done:
			if ok {
				t.Fatalf("%s during load should be rejected", name)
			}
		default:
			t.Fatalf("%s during load should complete immediately", name)
		}
	}
	if !c.IsLoading() {
		t.Fatal("rejected requests must not change the state")
	}

	close(store.release)
	if !wait(t, first) {
		t.Fatal("expected load to succeed")
	}
	if n := f.callCount(); n != 0 {
		t.Fatalf("update rejected during load must not fetch, got %d calls", n)
	}
	if names := c.VoiceNames(); !slices.Equal(names, []string{"Bob"}) {
		t.Fatalf("unexpected names %v", names)
	}
	assertIdle(t, c)
}

func TestFallbackLoadReportsLoading(t *testing.T) {
	store := newGatedStore(t, bobJSON)
	f := &fakeFetcher{err: errors.Join(fetch.ErrTransport, errors.New("timeout"))}
	c := newCache(t, f, store, nil)

	done := c.Update(context.Background(), config.SourceConfig{})
	store.waitReading(t)
	if !c.IsLoading() || c.IsUpdating() {
		t.Fatalf("expected fallback to report loading, got %s", c.State())
	}
	select {
	case <-done:
		t.Fatal("update completed before the fallback load finished")
	default:
	}

	close(store.release)
	if wait(t, done) {
		t.Fatal("update result must report the failed fetch")
	}
	if names := c.VoiceNames(); !slices.Equal(names, []string{"Bob"}) {
		t.Fatalf("expected fallback catalog, got %v", names)
	}
	assertIdle(t, c)
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	text := "a" + strings.Repeat("é", excerptLimit)
	got := excerpt(text)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt split a rune: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "...") || len(got) > excerptLimit+3 {
		t.Fatalf("unexpected excerpt length %d", len(got))
	}
	if short := excerpt("{}"); short != "{}" {
		t.Fatalf("short payload changed: %q", short)
	}
}

func TestVoicesTriggersLazyLoad(t *testing.T) {
	store := newStore(t)
	if err := store.Write(bobJSON); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	c := newCache(t, &fakeFetcher{}, store, nil)
	replaced := make(chan *voice.Catalog, 1)
	c.OnReplace(func(cat *voice.Catalog) { replaced <- cat })

	if voices := c.Voices(); voices != nil {
		t.Fatalf("expected no voices before the first load, got %v", voices)
	}
	select {
	case cat := <-replaced:
		if cat.Len() != 1 {
			t.Fatalf("unexpected catalog size %d", cat.Len())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("lazy load did not run")
	}
	if voices := c.VoicesForLocale("en_US"); len(voices) != 1 {
		t.Fatalf("expected 1 en_US voice, got %d", len(voices))
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:     "idle",
		StateLoading:  "loading",
		StateUpdating: "updating",
		State(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: got %q want %q", int(state), got, want)
		}
	}
}
