// Package server exposes the detection pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rewired-gh/perfwatch/internal/aggregator"
	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/logger"
	"github.com/rewired-gh/perfwatch/internal/metrics"
	"github.com/rewired-gh/perfwatch/internal/models"
	"github.com/rewired-gh/perfwatch/internal/storage"
)

var tracer = otel.Tracer("server")

const (
	defaultTopK = 20
	maxTopK     = 1000
	maxBodySize = 32 << 20
)

// Pipeline is the batch processing surface the server drives.
type Pipeline interface {
	ProcessBatch(ctx context.Context, batch *models.Batch) ([]models.FuncResult, error)
	Reset(ctx context.Context) error
}

// Ledger lists recorded batch outcomes.
type Ledger interface {
	GetTopBatches(k int) ([]storage.BatchRecord, error)
}

type Deps struct {
	Pipeline   Pipeline
	Aggregator *aggregator.Aggregator
	Ledger     Ledger
	AuthToken  string
}

type Config struct {
	Addr string
}

type Server struct {
	d Deps
	c Config
}

func New(d Deps, c Config) *Server { return &Server{d: d, c: c} }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/batches", s.handleBatch)
		r.Post("/stats", s.handleMergeStats)
		r.Get("/stats", s.handleCollectStats)
		r.Get("/anomalies", s.handleAnomalies)
		r.Post("/reset", s.handleReset)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.c.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening on %s", s.c.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.AuthToken != "" {
			got := r.Header.Get("Authorization")
			if !strings.HasPrefix(got, "Bearer ") || strings.TrimPrefix(got, "Bearer ") != s.d.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type funcResponse struct {
	FuncID    uint64           `json:"fid"`
	Name      string           `json:"name"`
	N         int              `json:"n"`
	Mean      float64          `json:"mean"`
	StdDev    float64          `json:"stddev"`
	Anomalous []string         `json:"anomalous"`
	Summary   detector.Summary `json:"summary"`
}

type batchResponse struct {
	Batch   uint64         `json:"batch"`
	Results []funcResponse `json:"results"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /v1/batches")
	defer span.End()

	var b models.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&b); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int("step", b.Step),
		attribute.Int("execs", len(b.Execs)),
	)

	results, err := s.d.Pipeline.ProcessBatch(ctx, &b)
	if err != nil {
		var ve *detector.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, ve.Error(), http.StatusBadRequest)
			return
		}
		logger.Error("Batch processing failed: %v", err)
		http.Error(w, "batch processing failed", http.StatusInternalServerError)
		return
	}

	resp := batchResponse{Results: make([]funcResponse, 0, len(results))}
	for _, fr := range results {
		resp.Batch = fr.Batch
		anomalous := make([]string, 0, fr.Result.AnomalousCount)
		for _, idx := range fr.Result.Anomalous {
			anomalous = append(anomalous, fr.ExecIDs[idx])
		}
		resp.Results = append(resp.Results, funcResponse{
			FuncID:    fr.FuncID,
			Name:      fr.FuncName,
			N:         fr.N,
			Mean:      fr.Mean,
			StdDev:    fr.StdDev,
			Anomalous: anomalous,
			Summary:   fr.Result.Summary,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMergeStats(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /v1/stats")
	defer span.End()

	var p aggregator.Partial
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&p); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.d.Aggregator.MergeReport(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCollectStats(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/stats")
	defer span.End()

	writeJSON(w, http.StatusOK, s.d.Aggregator.Collect())
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /v1/anomalies")
	defer span.End()

	k := defaultTopK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTopK {
			http.Error(w, "k must be an integer between 1 and 1000", http.StatusBadRequest)
			return
		}
		k = n
	}

	records, err := s.d.Ledger.GetTopBatches(k)
	if err != nil {
		logger.Error("Failed to list batch records: %v", err)
		http.Error(w, "failed to list anomalies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /v1/reset")
	defer span.End()

	if err := s.d.Pipeline.Reset(ctx); err != nil {
		logger.Error("Reset failed: %v", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
