package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"agentic-trust/internal/aa"
	"agentic-trust/internal/auth"
	"agentic-trust/internal/chainsvc"
	"agentic-trust/internal/deploy"
	"agentic-trust/internal/feedback"
	"agentic-trust/internal/observability/metrics"
	"agentic-trust/pkg/logger"
)

// AccountAddresser answers aa/address requests; *aa.Lifecycle satisfies it.
type AccountAddresser interface {
	GetAgentAccountAddress(ctx context.Context, name string, eoa common.Address, chainID int64) (aa.AddressResult, error)
}

// Deployments queues and reports deploy jobs; *deploy.Service satisfies it.
type Deployments interface {
	Submit(ctx context.Context, req deploy.Request) (*deploy.Job, error)
	Get(ctx context.Context, id string) (*deploy.Job, error)
	List(ctx context.Context, opts ...deploy.ListOption) ([]*deploy.Job, error)
}

// FeedbackAuthorizer issues feedback auths; *chainsvc.FeedbackAuthorizer
// satisfies it.
type FeedbackAuthorizer interface {
	Authorize(ctx context.Context, req chainsvc.FeedbackRequest) (feedback.Result, error)
}

// Registrations reads agent registration documents.
type Registrations interface {
	AgentRegistration(ctx context.Context, chainID int64, agentID *big.Int) (chainsvc.Registration, error)
}

// Options wires the server. Nil collaborators disable their routes with a
// NOT_CONFIGURED response.
type Options struct {
	Address        string
	RequestTimeout time.Duration
	DefaultChainID int64
	Resolvers      aa.ResolverSource
	Accounts       AccountAddresser
	Deployments    Deployments
	Feedback       FeedbackAuthorizer
	Ledger         feedback.Ledger
	Registrations  Registrations
	// Auth guards every /api route; nil or a service without keys leaves
	// the API open.
	Auth *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts Options
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{opts: opts, log: logger.Named("api")}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/agents/resolve-account", "resolve_account", auth.PermRead, s.handleResolveAccount)
	s.route(mux, "POST /api/agents/aa/address", "aa_address", auth.PermRead, s.handleAccountAddress)
	s.route(mux, "POST /api/agents/aa/deploy", "aa_deploy_submit", auth.PermDeploy, s.handleSubmitDeploy)
	s.route(mux, "GET /api/agents/aa/deploy", "aa_deploy_status", auth.PermRead, s.handleDeployStatus)
	s.route(mux, "POST /api/agents/feedback-auth", "feedback_auth", auth.PermSign, s.handleFeedbackAuth)
	s.route(mux, "GET /api/agents/{agentId}/registration", "agent_registration", auth.PermRead, s.handleAgentRegistration)
	s.route(mux, "GET /api/feedback/auths", "feedback_auths", auth.PermRead, s.handleListFeedbackAuths)
	s.route(mux, "GET /healthz", "healthz", "", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name, perm string, h http.HandlerFunc) {
	var handler http.Handler = h
	if perm != "" && s.opts.Auth != nil {
		handler = s.opts.Auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {perm}},
			AuditEvent:          name,
		})(handler)
	}
	mux.Handle(pattern, s.instrument(name, handler.ServeHTTP))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		s.log.Debug("处理请求",
			slog.String("handler", name),
			slog.String("request_id", requestID),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "服务已关闭", Code: "UNAVAILABLE"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
