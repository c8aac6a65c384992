package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/services"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

// Http Server 管理

const (
	// NotLeader 时携带 Leader 对外地址的响应头
	HeaderLeader = "X-Leader"
	// 写入确认时携带日志索引的响应头
	HeaderIndex = "X-Log-Index"

	// 客户端主动断开，沿用 nginx 的约定
	StatusClientClosedRequest = 499
)

// NewRouter 构造对外 KV HTTP 接口：
//
//	PUT    /kv?key=        body 为 value
//	GET    /kv?key=&tier=  tier: leader | local | linearizable
//	DELETE /kv?key=
//	POST   /command        JSON Request -> JSON Response
//	POST   /join           {"id":..., "address":...}，仅 raft 模式
//	GET    /health, /status
func NewRouter(svc services.KVService) http.Handler {
	h := &handler{svc: svc, logger: util.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/status", h.status)

	r.Route("/kv", func(r chi.Router) {
		r.Put("/", h.put)
		r.Get("/", h.get)
		r.Delete("/", h.delete)
	})
	r.Post("/command", h.command)
	r.Post("/join", h.join)

	return r
}

type handler struct {
	svc    services.KVService
	logger util.Logger
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	defer r.Body.Close()

	valueBytes, err := io.ReadAll(io.LimitReader(r.Body, command.MaxValueBytes+1))
	if err != nil {
		h.writeError(w, kverrors.ErrInvalidCommand)
		return
	}

	resp := h.svc.Execute(r.Context(), command.Request{Operation: "write", Key: key, Value: valueBytes})
	h.writeAck(w, resp)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp := h.svc.Execute(r.Context(), command.Request{Operation: "read", Key: q.Get("key"), Tier: q.Get("tier")})
	if !resp.OK() {
		h.writeFailure(w, resp)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Bytes())
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.Execute(r.Context(), command.Request{Operation: "delete", Key: r.URL.Query().Get("key")})
	h.writeAck(w, resp)
}

// 统一入口，请求与响应都使用 JSON 信封
func (h *handler) command(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req command.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 2*command.MaxValueBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, command.Failure(errors.Join(kverrors.ErrInvalidCommand, err)))
		return
	}

	resp := h.svc.Execute(r.Context(), req)
	status := http.StatusOK
	if !resp.OK() {
		status = statusCode(resp.Error)
		if resp.Leader != "" {
			w.Header().Set(HeaderLeader, resp.Leader)
		}
	}
	h.writeJSON(w, status, resp)
}

// 加入集群的请求体，address 为新节点的 raft 地址
type joinRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req joinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		h.writeError(w, errors.Join(kverrors.ErrInvalidCommand, err))
		return
	}
	if err := h.svc.Join(r.Context(), req.ID, req.Address); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Infof("node %s at %s joined", req.ID, req.Address)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handler) writeAck(w http.ResponseWriter, resp command.Response) {
	if !resp.OK() {
		h.writeFailure(w, resp)
		return
	}
	w.Header().Set(HeaderIndex, strconv.FormatUint(resp.Index, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	h.writeFailure(w, command.Failure(err))
}

func (h *handler) writeFailure(w http.ResponseWriter, resp command.Response) {
	if resp.Leader != "" {
		w.Header().Set(HeaderLeader, resp.Leader)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode(resp.Error))
	_, _ = w.Write([]byte(resp.Message))
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("write response failed: %v", err)
	}
}

// 错误类别到 HTTP 状态码
func statusCode(kind kverrors.Kind) int {
	switch kind {
	case kverrors.KindNone:
		return http.StatusOK
	case kverrors.KindInvalidCommand:
		return http.StatusBadRequest
	case kverrors.KindNotFound:
		return http.StatusNotFound
	case kverrors.KindNotLeader:
		return http.StatusMisdirectedRequest
	case kverrors.KindReadTimeout, kverrors.KindWriteTimeout:
		return http.StatusGatewayTimeout
	case kverrors.KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// StartHTTPServer 启动对外提供 KV 服务的 HTTP Server，ctx 结束时优雅关闭。
func StartHTTPServer(ctx context.Context, addr string, svc services.KVService) error {
	logger := util.Named("http")
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(svc),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	// 优雅关闭
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("http server shutdown error: %v", err)
		}
	}()

	logger.Infof("HTTP server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
