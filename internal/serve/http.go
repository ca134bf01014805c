package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"go.uber.org/zap"
)

const maxBodyBytes = 8 << 20

type handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler returns the HTTP API routes of the service.
func NewHandler(svc *Service, logger *zap.Logger) http.Handler {
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("POST /v1/map", h.handleMap)
	mux.HandleFunc("POST /v1/dedup", h.handleDedup)
	mux.HandleFunc("POST /v1/allocate", h.handleAllocate)
	mux.HandleFunc("POST /v1/retire", h.handleRetire)
	mux.HandleFunc("GET /v1/chunks/{chunkID}/blocks", h.handleChunkBlocks)
	mux.HandleFunc("DELETE /v1/nodes/{nodeID}", h.handleDeleteNode)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, svc *Service, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(svc, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "ok",
		"mapper_cache_entries": h.svc.mapper.Cache().Len(),
	})
}

func (h *handler) handleMap(w http.ResponseWriter, r *http.Request) {
	var req MapRequest
	if !h.decode(w, r, "map", &req) {
		return
	}
	resp, err := h.svc.Map(r.Context(), &req)
	h.reply(w, "map", resp, err)
}

func (h *handler) handleDedup(w http.ResponseWriter, r *http.Request) {
	var req MapRequest
	if !h.decode(w, r, "dedup", &req) {
		return
	}
	resp, err := h.svc.Dedup(r.Context(), &req)
	h.reply(w, "dedup", resp, err)
}

func (h *handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, "allocate", &req) {
		return
	}
	resp, err := h.svc.Allocate(r.Context(), &req)
	h.reply(w, "allocate", resp, err)
}

func (h *handler) handleRetire(w http.ResponseWriter, r *http.Request) {
	var req RetireRequest
	if !h.decode(w, r, "retire", &req) {
		return
	}
	resp, err := h.svc.Retire(r.Context(), &req)
	h.reply(w, "retire", resp, err)
}

func (h *handler) handleChunkBlocks(w http.ResponseWriter, r *http.Request) {
	chunkID, err := uuid.Parse(r.PathValue("chunkID"))
	if err != nil {
		h.fail(w, "chunk_blocks", fmt.Errorf("%w: invalid chunk id", errBadRequest))
		return
	}
	blocks, err := h.svc.ChunkBlocks(r.Context(), chunkID)
	h.reply(w, "chunk_blocks", blocks, err)
}

func (h *handler) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.DeleteNode(r.Context(), r.PathValue("nodeID"))
	h.reply(w, "delete_node", resp, err)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.fail(w, op, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (h *handler) reply(w http.ResponseWriter, op string, resp interface{}, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	metrics.Requests.WithLabelValues("http", op, "200").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	code := errorStatus(err)
	metrics.Requests.WithLabelValues("http", op, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("op", op), zap.Int("code", code), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
