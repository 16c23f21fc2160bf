package server

import (
	"net/http"
	"strconv"

	"github.com/dandi-tools/nwbflow/internal/config"
)

// CapabilityInfo names the concrete implementation wired behind each of
// the four pluggable collaborators, so a client doesn't have to guess
// whether it's talking to a real conversion backend or the in-memory
// mocks used for local development.
type CapabilityInfo struct {
	Converter     string `json:"converter"`
	Validator     string `json:"validator"`
	Reporter      string `json:"reporter"`
	LanguageModel string `json:"languageModel"`
}

// configView is the read-only subset of config.Config safe to expose
// over the wire: provider API keys never leave the process.
type configView struct {
	RequiredMetadataFields []string `json:"requiredMetadataFields"`
	MaxRetryAttempts       int      `json:"maxRetryAttempts"`
	LanguageModelDeadline  string   `json:"languageModelDeadline"`
	ConverterDeadline      string   `json:"converterDeadline"`
	ValidatorDeadline      string   `json:"validatorDeadline"`
	ReporterDeadline       string   `json:"reporterDeadline"`
}

// handleConfig handles GET /api/config: a read-only dump of the
// orchestrator's effective configuration, for a frontend that would
// otherwise have to guess at the required metadata fields or deadlines.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.appConfig
	if cfg == nil {
		cfg = config.Default()
	}
	writeJSON(w, http.StatusOK, configView{
		RequiredMetadataFields: cfg.RequiredMetadataFields,
		MaxRetryAttempts:       cfg.MaxRetryAttempts,
		LanguageModelDeadline:  cfg.LanguageModelDeadline.String(),
		ConverterDeadline:      cfg.ConverterDeadline.String(),
		ValidatorDeadline:      cfg.ValidatorDeadline.String(),
		ReporterDeadline:       cfg.ReporterDeadline.String(),
	})
}

// handleCapabilities handles GET /api/capabilities: which Converter/
// Validator/Reporter/LanguageModel implementation this process wired up.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capabilities)
}

// eventsHistoryDefaultLimit bounds a client that asks for history without
// specifying ?limit=, keeping the replay small by default.
const eventsHistoryDefaultLimit = 100

// handleEventsHistory handles GET /api/events/history: a bounded replay
// of recently published events for a client reconnecting after a drop,
// in place of the SSE stream it missed while disconnected.
func (s *Server) handleEventsHistory(w http.ResponseWriter, r *http.Request) {
	limit := eventsHistoryDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.History(limit)})
}
