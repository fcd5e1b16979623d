package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthInfo holds runtime status for the health endpoint.
type HealthInfo struct {
	Capabilities func() []string             // registered adapter tags
	StoreKind    string                      // "postgres" or "memory"
	BlobKind     string                      // "s3" or "local"
	StorePing    func(context.Context) error // nil = nothing to ping
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	info      HealthInfo
	startTime time.Time
}

// NewHealthHandler creates a health handler recording the server start time.
func NewHealthHandler(info HealthInfo) *HealthHandler {
	return &HealthHandler{info: info, startTime: time.Now()}
}

type healthResponse struct {
	Status     string           `json:"status"`
	UptimeSecs int64            `json:"uptime_seconds"`
	Components healthComponents `json:"components"`
}

type healthComponents struct {
	Backends healthBackends `json:"backends"`
	Store    healthStore    `json:"store"`
	Blob     healthBlob     `json:"blob"`
}

type healthBackends struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}
type healthStore struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Error  string `json:"error,omitempty"`
}
type healthBlob struct {
	Kind string `json:"kind"`
}

// ServeHTTP handles GET /api/health. A store that fails its ping or an
// empty adapter registry reports "degraded"; the endpoint itself still
// answers 200 so load balancers can read the body.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var caps []string
	if h.info.Capabilities != nil {
		caps = h.info.Capabilities()
	}
	backends := healthBackends{Status: "ok", Capabilities: caps}
	if len(caps) == 0 {
		backends.Status = "degraded"
	}

	st := healthStore{Status: "ok", Kind: h.info.StoreKind}
	if h.info.StorePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.info.StorePing(ctx); err != nil {
			st.Status = "degraded"
			st.Error = err.Error()
		}
	}

	status := "ok"
	if backends.Status != "ok" || st.Status != "ok" {
		status = "degraded"
	}

	resp := healthResponse{
		Status:     status,
		UptimeSecs: int64(time.Since(h.startTime).Seconds()),
		Components: healthComponents{
			Backends: backends,
			Store:    st,
			Blob:     healthBlob{Kind: h.info.BlobKind},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
