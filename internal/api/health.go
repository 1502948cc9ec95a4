package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// probe checks one backend. A failing required probe fails readiness; an
// optional one only degrades it.
type probe struct {
	name     string
	required bool
	ping     func(ctx context.Context) error
}

type HealthHandler struct {
	probes   []probe
	disabled []string
	env      string
	version  string
}

// NewHealthHandler probes whichever backends are configured. A nil pool
// or client is reported as disabled.
func NewHealthHandler(pgPool *pgxpool.Pool, rdb redis.UniversalClient, env, version string) *HealthHandler {
	h := &HealthHandler{env: env, version: version}

	if pgPool != nil {
		h.probes = append(h.probes, probe{name: "postgres", required: true, ping: pgPool.Ping})
	} else {
		h.disabled = append(h.disabled, "postgres")
	}

	if rdb != nil {
		h.probes = append(h.probes, probe{name: "redis", ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		h.disabled = append(h.disabled, "redis")
	}
	return h
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string, len(h.probes)+len(h.disabled)),
	}
	for _, name := range h.disabled {
		resp.Dependencies[name] = "disabled"
	}

	for _, p := range h.probes {
		pctx, pcancel := context.WithTimeout(ctx, time.Second)
		err := p.ping(pctx)
		pcancel()

		switch {
		case err == nil:
			resp.Dependencies[p.name] = "ok"
		case p.required:
			resp.Dependencies[p.name] = "down"
			resp.Status = "error"
		default:
			resp.Dependencies[p.name] = "down"
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if resp.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
