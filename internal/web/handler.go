package web

import (
	"encoding/json"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/reactor"
)

// StatusSource is what the status API reads; *reactor.Supervisor satisfies it.
type StatusSource interface {
	Settings() *reactor.Settings
	Snapshot() []conntable.Info
	Server() (reactor.ServerInfo, bool)
	Capacity() int
}

type Handler struct {
	src StatusSource
}

func NewHandler(src StatusSource) *Handler {
	return &Handler{src: src}
}

// API Models
type SlotStatus struct {
	conntable.Info
	BytesInHuman  string `json:"bytes_in_human"`
	BytesOutHuman string `json:"bytes_out_human"`
}

type Status struct {
	Multiplex  bool                `json:"multiplex"`
	Passive    bool                `json:"passive"`
	MaxClients int                 `json:"max_clients"`
	Server     *reactor.ServerInfo `json:"server,omitempty"`
	Slots      []SlotStatus        `json:"slots"`
}

func (h *Handler) status() Status {
	s := h.src.Settings()
	st := Status{
		Multiplex:  s.Multiplex(),
		Passive:    s.Passive(),
		MaxClients: h.src.Capacity(),
		Slots:      []SlotStatus{},
	}
	if info, ok := h.src.Server(); ok {
		st.Server = &info
	}
	for _, info := range h.src.Snapshot() {
		st.Slots = append(st.Slots, SlotStatus{
			Info:          info,
			BytesInHuman:  humanize.Bytes(info.BytesIn),
			BytesOutHuman: humanize.Bytes(info.BytesOut),
		})
	}
	return st
}

// HandleStatus serves GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if err := json.NewEncoder(w).Encode(h.status()); err != nil {
		log.Debug().Err(err).Msg("Failed to write status response")
	}
}
