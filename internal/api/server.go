// ABOUTME: HTTP server struct, constructor, and handler wiring for the receipt API.
// ABOUTME: Holds the store, blob backend and upload limiter used by handlers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bvd757/receipt-analysis-system/internal/blob"
	"github.com/bvd757/receipt-analysis-system/internal/clock"
	"github.com/bvd757/receipt-analysis-system/internal/config"
	"github.com/bvd757/receipt-analysis-system/internal/store"
)

// multipartOverhead is headroom above UploadMaxBytes for multipart framing
// and the currency field.
const multipartOverhead = 64 << 10

// Store is the subset of *store.Store the HTTP layer reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	CreateReceipt(ctx context.Context, r store.NewReceipt, now time.Time) (receiptID, taskID int64, err error)
	ReprocessReceipt(ctx context.Context, userID uuid.UUID, receiptID int64, currency *string, now time.Time) (int, error)
	GetUserReceipt(ctx context.Context, userID uuid.UUID, id int64) (*store.Receipt, error)
	ListReceipts(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.Receipt, error)
	LatestTask(ctx context.Context, receiptID int64) (*store.Task, error)
}

// CurrencyDetector classifies the currency printed on a receipt image. The
// answer is the model's raw token; callers normalise it.
type CurrencyDetector interface {
	DetectCurrency(ctx context.Context, image []byte, contentType string) (string, error)
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store         Store
	blobs         blob.Store
	detector      CurrencyDetector
	cfg           *config.Config
	clock         clock.Clock
	log           *slog.Logger
	uploadLimiter *keyedRateLimiter
}

// NewServer creates a Server. s may be nil only in tests that exercise
// middleware alone; /healthz then reports degraded. A nil detector disables
// currency detection (503).
func NewServer(s Store, blobs blob.Store, detector CurrencyDetector, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := cfg.UploadRatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Server{
		store:         s,
		blobs:         blobs,
		detector:      detector,
		cfg:           cfg,
		clock:         clock.Real{},
		log:           logger,
		uploadLimiter: newKeyedRateLimiter(rate.Limit(float64(perMinute)/60), perMinute, 15*time.Minute),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Must be first so they appear on every response including errors.
	r.Use(securityHeaders)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// Uploads are the largest body any route accepts.
	r.Use(middleware.RequestSize(srv.cfg.UploadMaxBytes + multipartOverhead))
	r.Use(middleware.Recoverer)

	srv.mountOps(r)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())

		// Multipart and command routes (chi, not huma: raw file parts).
		r.With(srv.uploadRateLimit()).Post("/receipts", srv.uploadReceiptHandler)
		r.With(srv.uploadRateLimit()).Post("/receipts/detect-currency", srv.detectCurrencyHandler)
		r.Post("/receipts/{id}/reprocess", srv.reprocessReceiptHandler)

		// JSON reads with declared validation (huma, OpenAPI 3.1).
		humaConfig := huma.DefaultConfig("receiptq API", "1.0.0")
		humaConfig.Info.Description = "Receipt recognition and spending extraction API"
		registerReceiptReadRoutes(humachi.New(r, humaConfig), srv)
	})

	return r
}

// OpsHandler serves only /healthz and /metrics. The worker process exposes it
// so its queue metrics can be scraped.
func OpsHandler(p pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthzHandler(p))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (srv *Server) mountOps(r chi.Router) {
	var p pinger
	if srv.store != nil {
		p = srv.store
	}
	r.Get("/healthz", healthzHandler(p))
	if srv.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if p == nil {
			resp = healthResponse{Status: "degraded", DB: "unavailable"}
			statusCode = http.StatusServiceUnavailable
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				slog.WarnContext(r.Context(), "healthz: db ping failed", "err", err)
				resp = healthResponse{Status: "degraded", DB: "unavailable"}
				statusCode = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, statusCode, resp)
	}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "status", status, "error", err)
	}
}
