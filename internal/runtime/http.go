package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-voices/internal/eventstore"
	"github.com/loqalabs/loqa-voices/internal/voice"
)

const defaultHistoryLimit = 50

type statusResponse struct {
	State    string   `json:"state"`
	Loading  bool     `json:"loading"`
	Updating bool     `json:"updating"`
	Loaded   bool     `json:"loaded"`
	Voices   int      `json:"voices"`
	Locales  []string `json:"locales"`
	Source   string   `json:"source"`
}

type resultResponse struct {
	OK     bool `json:"ok"`
	Voices int  `json:"voices"`
}

type historyEntry struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"`
	OK        bool      `json:"ok"`
	Voices    int       `json:"voices"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/voices", r.handleVoices)
	mux.HandleFunc("GET /v1/voices/names", r.handleNames)
	mux.HandleFunc("GET /v1/voices/status", r.handleStatus)
	mux.HandleFunc("GET /v1/voices/history", r.handleHistory)
	mux.HandleFunc("POST /v1/voices/load", r.handleLoad)
	mux.HandleFunc("POST /v1/voices/update", r.handleUpdate)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleVoices serves the catalog in the same document format the provider
// sends, optionally narrowed to one locale.
func (r *Runtime) handleVoices(w http.ResponseWriter, req *http.Request) {
	if r.cache.Catalog() == nil {
		r.cache.Voices()
		r.writeError(w, http.StatusServiceUnavailable, "voice catalog not loaded")
		return
	}
	var records []voice.Record
	if locale := req.URL.Query().Get("locale"); locale != "" {
		records = r.cache.VoicesForLocale(locale)
	} else {
		records = r.cache.Voices()
	}
	text, err := voice.Encode(records)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(text))
}

func (r *Runtime) handleNames(w http.ResponseWriter, _ *http.Request) {
	names := r.cache.VoiceNames()
	if names == nil {
		names = []string{}
	}
	r.writeJSON(w, http.StatusOK, map[string][]string{"names": names})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cat := r.cache.Catalog()
	state := r.cache.State()
	locales := cat.Locales()
	if locales == nil {
		locales = []string{}
	}
	r.writeJSON(w, http.StatusOK, statusResponse{
		State:    state.String(),
		Loading:  r.cache.IsLoading(),
		Updating: r.cache.IsUpdating(),
		Loaded:   cat != nil,
		Voices:   cat.Len(),
		Locales:  locales,
		Source:   r.cfg.Source.Mode,
	})
}

func (r *Runtime) handleLoad(w http.ResponseWriter, req *http.Request) {
	ok := <-r.cache.Load(req.Context())
	r.writeJSON(w, http.StatusOK, resultResponse{OK: ok, Voices: r.cache.Catalog().Len()})
}

func (r *Runtime) handleUpdate(w http.ResponseWriter, req *http.Request) {
	ok := <-r.cache.Update(req.Context(), r.cfg.Source)
	r.writeJSON(w, http.StatusOK, resultResponse{OK: ok, Voices: r.cache.Catalog().Len()})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			r.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := r.events.ListRecent(req.Context(), limit)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.writeJSON(w, http.StatusOK, map[string][]historyEntry{"events": historyEntries(events)})
}

func historyEntries(events []eventstore.Event) []historyEntry {
	out := make([]historyEntry, 0, len(events))
	for _, e := range events {
		out = append(out, historyEntry{
			RequestID: e.RequestID,
			Kind:      e.Kind,
			Source:    e.Source,
			OK:        e.OK,
			Voices:    e.Voices,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
