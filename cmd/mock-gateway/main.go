// mock-gateway fakes both upstream send surfaces for local runs: the
// WhatsApp device-session gateway and the Telegram Bot API. Outcomes are
// driven by env knobs so failure handling can be exercised end to end.
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8081"`
	APIKey      string  `envconfig:"MOCK_API_KEY" default:""`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"` // fixed | sequence | random
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`        // ok | failed | rate_limited | down
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`

	Outcomes []string
	Delay    time.Duration
}

type server struct {
	cfg   config
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/devices/{deviceId}/messages", s.handleWhatsAppSend).Methods(http.MethodPost)
	router.HandleFunc("/bot{token}/sendMessage", s.handleTelegramSend).Methods(http.MethodPost)
	router.HandleFunc("/bot{token}/sendPhoto", s.handleTelegramSend).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock gateway config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	for _, o := range strings.Split(cfg.OutcomesRaw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Outcomes = append(cfg.Outcomes, strings.ToLower(o))
		}
	}
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	return cfg
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "sequence":
		i := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[i%uint64(len(s.cfg.Outcomes))]
	case "random":
		s.rngMu.Lock()
		roll := s.rng.Float64()
		s.rngMu.Unlock()
		if roll < s.cfg.SuccessRate {
			return "ok"
		}
		return "failed"
	default:
		return s.cfg.Outcomes[0]
	}
}

type whatsAppSendRequest struct {
	To   string `json:"to"`
	Kind string `json:"kind"`
	Body string `json:"body"`
}

func (s *server) handleWhatsAppSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "message": "bad api key"})
		return
	}
	var req whatsAppSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid json"})
		return
	}
	if req.To == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "missing to or body"})
		return
	}
	if mux.Vars(r)["deviceId"] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "missing device"})
		return
	}

	s.maybeDelay()
	switch s.nextOutcome() {
	case "failed":
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "recipient rejected"})
	case "rate_limited":
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "message": "device throttled"})
	case "down":
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "message": "device session offline"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *server) handleTelegramSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "description": "Bad Request: chat_id is empty"})
		return
	}

	s.maybeDelay()
	switch s.nextOutcome() {
	case "failed":
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "description": "Forbidden: bot was blocked by the user"})
	case "rate_limited":
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "description": "Too Many Requests: retry after 30"})
	case "down":
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "description": "Bad Gateway"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": map[string]any{"message_id": atomic.AddUint64(&s.idx, 1)}})
	}
}

func (s *server) maybeDelay() {
	if s.cfg.Delay > 0 {
		time.Sleep(s.cfg.Delay)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
