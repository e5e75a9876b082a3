// Package catalog holds the in-memory voice catalog and arbitrates loading it
// from the local snapshot and refreshing it from the remote provider.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/loqalabs/loqa-voices/internal/eventstore"
	"github.com/loqalabs/loqa-voices/internal/fetch"
	"github.com/loqalabs/loqa-voices/internal/snapshot"
	"github.com/loqalabs/loqa-voices/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const excerptLimit = 256

// State is the activity the cache is currently engaged in.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateUpdating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// Store is the persisted snapshot the cache reads from and writes through to.
type Store interface {
	Path() string
	Exists() bool
	Read() (string, error)
	Write(content string) error
}

// Recorder receives one event per finished load or update.
type Recorder interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Cache owns the current voice catalog. At most one load or update runs at a
// time; requests arriving while one is in flight complete with false at once.
type Cache struct {
	fetcher  fetch.Fetcher
	store    Store
	recorder Recorder
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	catalog   *voice.Catalog
	onReplace []replaceHook
	nextHook  uint64
}

type replaceHook struct {
	id uint64
	fn func(*voice.Catalog)
}

// New builds an empty cache. recorder may be nil.
func New(parent context.Context, fetcher fetch.Fetcher, store Store, recorder Recorder, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Cache{
		fetcher:  fetcher,
		store:    store,
		recorder: recorder,
		log:      logger.With(slog.String("component", "voice-catalog")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voices/catalog"),
		ctx:      ctx,
		cancel:   cancel,
	}
	m, err := newMetrics(c)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	c.metrics = m
	return c
}

// Close cancels in-flight work and waits for it to finish.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// OnReplace registers fn to run after every catalog replacement. The returned
// func removes it again.
func (c *Cache) OnReplace(fn func(*voice.Catalog)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHook++
	id := c.nextHook
	c.onReplace = append(c.onReplace, replaceHook{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onReplace = slices.DeleteFunc(c.onReplace, func(h replaceHook) bool { return h.id == id })
	}
}

func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cache) IsLoading() bool  { return c.State() == StateLoading }
func (c *Cache) IsUpdating() bool { return c.State() == StateUpdating }

// Catalog returns the current catalog, or nil when none has been obtained.
func (c *Cache) Catalog() *voice.Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog
}

// Voices returns the current voices. When no catalog was ever obtained it
// starts a background load and returns nil.
func (c *Cache) Voices() []voice.Record {
	return c.ensure().Records()
}

// VoiceNames returns the distinct voice names, with the same lazy load as Voices.
func (c *Cache) VoiceNames() []string {
	return c.ensure().Names()
}

// VoicesForLocale returns the voices of a single locale.
func (c *Cache) VoicesForLocale(locale string) []voice.Record {
	return c.ensure().ByLocale(locale)
}

func (c *Cache) ensure() *voice.Catalog {
	cat := c.Catalog()
	if cat == nil {
		c.Load(c.ctx)
	}
	return cat
}

// Load reads the snapshot and replaces the catalog if it decodes. The returned
// channel receives exactly one value.
func (c *Cache) Load(ctx context.Context) <-chan bool {
	done := make(chan bool, 1)

	// Stat outside the lock; the state is checked again once it is held.
	exists := c.store.Exists()

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.reject("load", state, done)
		return done
	}
	if !exists {
		c.mu.Unlock()
		c.log.Debug("no voice snapshot to load", slog.String("path", c.store.Path()))
		complete(done, false)
		return done
	}
	c.state = StateLoading
	c.mu.Unlock()

	requestID := uuid.NewString()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ok := c.runLoad(ctx, requestID, "load")
		c.setState(StateIdle)
		complete(done, ok)
	}()
	return done
}

// Update fetches a fresh catalog from src. On failure with no catalog held it
// loads the snapshot before completing; the result still reports the update.
func (c *Cache) Update(ctx context.Context, src config.SourceConfig) <-chan bool {
	done := make(chan bool, 1)

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.reject("update", state, done)
		return done
	}
	c.state = StateUpdating
	c.mu.Unlock()

	requestID := uuid.NewString()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ok := c.runUpdate(ctx, requestID, src)
		if !ok && c.Catalog() == nil {
			c.setState(StateLoading)
			c.runLoad(ctx, requestID, "fallback_load")
		}
		c.setState(StateIdle)
		complete(done, ok)
	}()
	return done
}

func (c *Cache) runLoad(ctx context.Context, requestID, kind string) bool {
	ctx, span := c.tracer.Start(ctx, "catalog."+kind, trace.WithAttributes(
		attribute.String("voices.request_id", requestID),
		attribute.String("voices.snapshot", c.store.Path()),
	))
	defer span.End()

	log := c.log.With(slog.String("request_id", requestID), slog.String("path", c.store.Path()))

	text, err := c.store.Read()
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			log.Debug("voice snapshot not found")
		} else {
			log.Warn("failed to read voice snapshot", slog.String("error", err.Error()))
		}
		return c.finish(ctx, span, requestID, kind, "snapshot", nil, err)
	}

	res, err := voice.Decode(text, log)
	if err != nil {
		log.Warn("failed to decode voice snapshot",
			slog.String("error", err.Error()),
			slog.String("payload", excerpt(text)))
		return c.finish(ctx, span, requestID, kind, "snapshot", nil, err)
	}

	cat := voice.NewCatalog(res.Records)
	c.replace(cat)
	log.Info("voice catalog loaded", slog.Int("voices", cat.Len()), slog.Int("warnings", len(res.Warnings)))
	return c.finish(ctx, span, requestID, kind, "snapshot", cat, nil)
}

func (c *Cache) runUpdate(ctx context.Context, requestID string, src config.SourceConfig) bool {
	ctx, span := c.tracer.Start(ctx, "catalog.update", trace.WithAttributes(
		attribute.String("voices.request_id", requestID),
		attribute.String("voices.source", src.Mode),
	))
	defer span.End()

	log := c.log.With(slog.String("request_id", requestID), slog.String("source", src.Mode))

	text, err := c.fetcher.RequestVoices(ctx, src)
	if err == nil && text == "" {
		err = fetch.ErrTransport
	}
	if err != nil {
		log.Warn("voice update request failed", slog.String("error", err.Error()))
		return c.finish(ctx, span, requestID, "update", src.Mode, nil, err)
	}

	res, err := voice.Decode(text, log)
	if err != nil {
		log.Warn("failed to decode fetched voices",
			slog.String("error", err.Error()),
			slog.String("payload", excerpt(text)))
		return c.finish(ctx, span, requestID, "update", src.Mode, nil, err)
	}

	if err := c.store.Write(text); err != nil {
		log.Warn("failed to persist voice snapshot",
			slog.String("path", c.store.Path()),
			slog.String("error", err.Error()))
	}

	cat := voice.NewCatalog(res.Records)
	c.replace(cat)
	log.Info("voice catalog updated", slog.Int("voices", cat.Len()), slog.Int("warnings", len(res.Warnings)))
	return c.finish(ctx, span, requestID, "update", src.Mode, cat, nil)
}

func (c *Cache) finish(ctx context.Context, span trace.Span, requestID, kind, source string, cat *voice.Catalog, err error) bool {
	ok := err == nil
	evt := eventstore.Event{
		RequestID: requestID,
		Kind:      kind,
		Source:    source,
		OK:        ok,
		Voices:    cat.Len(),
	}
	if err != nil {
		evt.Detail = err.Error()
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("voices.count", cat.Len()))
	}
	c.metrics.recordOperation(ctx, kind, outcome(ok))

	if c.recorder != nil {
		// The request context may already be done; history is still wanted.
		if recErr := c.recorder.AppendEvent(context.WithoutCancel(ctx), evt); recErr != nil {
			c.log.Warn("failed to record catalog event", slog.String("error", recErr.Error()))
		}
	}
	return ok
}

func (c *Cache) replace(cat *voice.Catalog) {
	c.mu.Lock()
	c.catalog = cat
	hooks := slices.Clone(c.onReplace)
	c.mu.Unlock()

	for _, h := range hooks {
		h.fn(cat)
	}
}

func (c *Cache) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Cache) reject(kind string, state State, done chan bool) {
	c.log.Debug("voice catalog busy, request dropped",
		slog.String("request", kind),
		slog.String("state", state.String()))
	c.metrics.recordOperation(c.ctx, kind, "rejected")
	complete(done, false)
}

func complete(done chan bool, ok bool) {
	done <- ok
	close(done)
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func excerpt(text string) string {
	if len(text) <= excerptLimit {
		return text
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
