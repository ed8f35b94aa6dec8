package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flippify/payments/pkg/subsync"
)

const statusRunning = "running"

// Handler serves the payments HTTP surface: the service status, the two
// signed webhook endpoints and the manual sweep trigger.
type Handler struct {
	config Config
	sweeps sync.WaitGroup
}

// Routes returns the chi router with every endpoint mounted
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(h.config.RequestTimeout),
	)

	r.Get("/", h.Status)
	r.Method(http.MethodPost, "/checkout-complete", h.config.CheckoutWebhook)
	r.Method(http.MethodPost, "/subscription-update", h.config.SubscriptionWebhook)
	r.Post("/run-initial-role-check", h.RunSweep)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}
	return r
}

// Status reports the service name and version
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Name:    h.config.Name,
		Version: h.config.Version,
		Status:  statusRunning,
	})
}

// RunSweep starts a full sweep in the background and answers 202, or 409 when
// a sweep is already running.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if h.config.Sweeper.Running() {
		h.handleError(w, r, subsync.ErrSweepInProgress, http.StatusConflict)
		return
	}

	requestID := middleware.GetReqID(r.Context())
	h.sweeps.Add(1)
	go func() {
		defer h.sweeps.Done()
		report, err := h.config.Sweeper.Run(h.config.SweepContext)
		switch {
		case errors.Is(err, subsync.ErrSweepInProgress):
			h.config.Logger.Warn("sweep trigger ignored, sweep already running",
				subsync.F("request_id", requestID))
		case err != nil:
			h.config.Logger.Error("triggered sweep failed",
				subsync.F("request_id", requestID), subsync.F("error", err.Error()))
		default:
			h.config.Logger.Info("triggered sweep finished",
				subsync.F("request_id", requestID), subsync.F("run_id", report.RunID))
		}
	}()

	writeJSON(w, http.StatusAccepted, MessageResponse{Message: "Initial role check started"})
}

// Wait blocks until every sweep started over HTTP has returned
func (h *Handler) Wait() {
	h.sweeps.Wait()
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{
		"message": http.StatusText(statusCode),
		"error":   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck // response already committed
	_ = json.NewEncoder(w).Encode(body)
}
