package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/lifecycle"
	"github.com/vango-go/proctor/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway should receive new examinees.
// A draining gateway answers 503 so load balancers stop routing joins to it.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		DrainingSince  int64    `json:"draining_since_ms,omitempty"`
		AuthMode       string   `json:"auth_mode"`
		HistoryEnabled bool     `json:"history_enabled"`
		LimitsEnabled  bool     `json:"limits_enabled"`
		Sessions       int      `json:"sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	var issues []string
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()
	active := 0
	if h.Registry != nil {
		active = h.Registry.Count()
	}

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             status == http.StatusOK,
		Draining:       draining,
		DrainingSince:  drainingSinceMS(h.Lifecycle),
		AuthMode:       string(h.Config.AuthMode),
		HistoryEnabled: h.Config.StoreDriver != "" && h.Config.StoreDriver != config.StoreNone,
		LimitsEnabled:  h.Config.MaxTickFPS > 0 || h.Config.MaxAudioBytesPerSecond > 0 || (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0),
		Sessions:       active,
		Issues:         issues,
	})
}

func drainingSinceMS(l *lifecycle.Lifecycle) int64 {
	if since := l.DrainingSince(); !since.IsZero() {
		return since.UnixMilli()
	}
	return 0
}
