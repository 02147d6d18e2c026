package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"XLayer-WalletBot/internal/bot"
	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/events"
	"XLayer-WalletBot/internal/ledger"
	"XLayer-WalletBot/internal/observability/metrics"
	"XLayer-WalletBot/internal/status"
	"XLayer-WalletBot/pkg/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxEventBytes    = 64 << 10
)

// StatusChecker 查询交易状态。
type StatusChecker interface {
	Status(ctx context.Context, q status.Query) (status.Result, error)
}

// History 列出用户的提现记录。
type History interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]ledger.Record, error)
}

// Server 负责暴露运维 REST 接口。
type Server struct {
	addr            string
	token           string
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	status          StatusChecker
	history         History
	events          events.Producer
	log             *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithAPIToken 要求 /api 路由携带 Bearer 令牌。
func WithAPIToken(token string) Option {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

// WithTimeouts 设置读取与关闭超时。
func WithTimeouts(read, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithStatus 启用交易状态查询。
func WithStatus(c StatusChecker) Option {
	return func(s *Server) {
		s.status = c
	}
}

// WithHistory 启用提现记录查询。
func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithEventProducer 启用事件投递入口，仅在配置了 API 令牌时挂载。
func WithEventProducer(p events.Producer) Option {
	return func(s *Server) {
		s.events = p
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		readTimeout:     10 * time.Second,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/status", s.handleStatus)
		r.Get("/users/{userID}/withdrawals", s.handleWithdrawals)
		if s.token != "" {
			r.Post("/events", s.handlePublishEvent)
		} else if s.events != nil {
			s.log.Warn("未配置 API 令牌，事件投递入口未挂载")
		}
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, xerrors.New(xerrors.CodeConfigInvalid, "未启用状态查询"), http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	query := status.Query{
		AccountID: strings.TrimSpace(q.Get("account_id")),
		OrderID:   strings.TrimSpace(q.Get("order_id")),
		TxHash:    strings.TrimSpace(q.Get("tx_hash")),
	}
	if query.Empty() {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "需要 tx_hash 或 account_id+order_id"), 0)
		return
	}
	res, err := s.status.Status(r.Context(), query)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, xerrors.New(xerrors.CodeConfigInvalid, "未启用提现记录"), http.StatusServiceUnavailable)
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "非法的用户 ID"), 0)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}
	records, err := s.history.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handlePublishEvent 接收外部事件并投递到队列。
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeConfigInvalid, "未启用事件投递"), http.StatusServiceUnavailable)
		return
	}
	var ev events.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
		return
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		writeError(w, err, 0)
		return
	}
	if _, err := bot.FromEvent(ev); err != nil {
		writeError(w, err, 0)
		return
	}
	if err := s.events.Publish(r.Context(), ev); err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

// authenticate 校验 Bearer 令牌，未配置令牌时放行。
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "令牌无效"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe 记录请求耗时与状态码。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, code, time.Since(start))
		s.log.Debug("HTTP 请求",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", code),
			slog.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 按错误码映射 HTTP 状态；status 非零时优先使用。
func writeError(w http.ResponseWriter, err error, status int) {
	code := xerrors.CodeOf(err)
	if status == 0 {
		status = httpStatus(code)
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: xerrors.UserMessage(err)})
}

func httpStatus(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeRemoteAPI:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeQueueFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
