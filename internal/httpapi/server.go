// Package httpapi is the caller-facing bridge: every request kind is an
// id-correlated JSON endpoint, and progress/generation events stream to the
// caller over a single multiplexed NDJSON connection.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"runnerd/internal/apperr"
	"runnerd/internal/convo"
	"runnerd/internal/manager"
	"runnerd/pkg/types"
)

// Server wires the orchestration core to HTTP.
type Server struct {
	mgr    *manager.Manager
	loader *manager.SingleLoader
	conv   *convo.Engine
	log    zerolog.Logger
}

func NewServer(mgr *manager.Manager, loader *manager.SingleLoader, conv *convo.Engine, log zerolog.Logger) *Server {
	return &Server{mgr: mgr, loader: loader, conv: conv, log: log}
}

// Routes builds the router with all endpoints and middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
		r.Post("/models/download", s.handleDownload)
		r.Post("/models/load", s.handleLoad)
		r.Post("/models/unload", s.handleUnload)
		r.Get("/models/downloaded", s.handleIsDownloaded)
		r.Get("/models/status", s.handleStatus)
		r.Delete("/models", s.handleDelete)
		r.Post("/operations/{id}/cancel", s.handleCancel)

		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}/history", s.handleHistory)
		r.Delete("/conversations/{id}", s.handleDispose)
		r.Get("/conversations/{id}/export", s.handleExport)
		r.Post("/conversations/{id}/generate", s.handleGenerate)
		r.Post("/conversations/{id}/functions", s.handleRegisterFunction)
		r.Post("/conversations/{id}/function_result", s.handleFunctionResult)
		r.Post("/generations/{id}/stop", s.handleStopGeneration)

		r.Get("/events", s.handleEvents)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

// decode enforces the JSON content type and body limit before decoding.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, apperr.CodeInvalidArguments, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidArguments, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.mgr.Models()
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req types.ModelRequest
	if !decode(w, r, &req) {
		return
	}
	opID, err := s.mgr.Download(req.Model, req.Quant)
	if err != nil {
		writeAppError(w, err)
		return
	}
	countOperation("download")
	s.log.Info().Str("op", opID).Str("model", req.Model).Msg("download started")
	writeJSON(w, http.StatusAccepted, types.OperationResponse{OperationID: opID})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.ModelRequest
	if !decode(w, r, &req) {
		return
	}
	opID, err := s.loader.Load(req.Model, req.Quant)
	if err != nil {
		writeAppError(w, err)
		return
	}
	countOperation("load")
	s.log.Info().Str("op", opID).Str("model", req.Model).Msg("load started")
	writeJSON(w, http.StatusAccepted, types.OperationResponse{OperationID: opID})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req types.UnloadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.HandleID == "" {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidArguments, "handle_id is required")
		return
	}
	ok, err := s.loader.Unload(req.HandleID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	// Unknown/already-unloaded handles report false, not an error.
	writeJSON(w, http.StatusOK, types.UnloadResponse{Unloaded: ok})
}

func (s *Server) handleIsDownloaded(w http.ResponseWriter, r *http.Request) {
	ok, err := s.mgr.IsDownloaded(r.URL.Query().Get("model"), r.URL.Query().Get("quant"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DownloadedResponse{Downloaded: ok})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(r.URL.Query().Get("model"), r.URL.Query().Get("quant"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.StatusResponse{Status: st})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(r.URL.Query().Get("model"), r.URL.Query().Get("quant")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mgr.Cancel(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req types.CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		id  string
		err error
	)
	if len(req.History) > 0 {
		id, err = s.conv.CreateFromHistory(req.HandleID, req.History)
	} else {
		id, err = s.conv.Create(req.HandleID, req.SystemPrompt)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.ConversationResponse{ConversationID: id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.conv.History(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.HistoryResponse{Messages: msgs})
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Dispose(chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := s.conv.Export(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	// Exported conversations are pretty-printed by contract.
	b, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to encode export")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	convID := chi.URLParam(r, "id")
	var (
		genID string
		err   error
	)
	if len(req.Schema) > 0 {
		genID, err = s.conv.GenerateStructured(convID, req.Message, req.Schema, req.Options)
	} else {
		genID, err = s.conv.Generate(convID, req.Message, req.Options)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	countOperation("generate")
	writeJSON(w, http.StatusAccepted, types.GenerateResponse{GenerationID: genID})
}

func (s *Server) handleRegisterFunction(w http.ResponseWriter, r *http.Request) {
	var spec types.FunctionSpec
	if !decode(w, r, &spec) {
		return
	}
	if err := s.conv.RegisterFunction(chi.URLParam(r, "id"), spec); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFunctionResult(w http.ResponseWriter, r *http.Request) {
	var res types.FunctionResult
	if !decode(w, r, &res) {
		return
	}
	if err := s.conv.ProvideFunctionResult(chi.URLParam(r, "id"), res); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopGeneration(w http.ResponseWriter, r *http.Request) {
	s.conv.Stop(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.loader.Loading() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
		return
	}
	if _, ok := s.loader.Current(); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no model loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
