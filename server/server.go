package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/fernlab-dev/agentgateway/acp"
	"github.com/fernlab-dev/agentgateway/agentsdk"
	"github.com/fernlab-dev/agentgateway/api"
	"github.com/fernlab-dev/agentgateway/authpolicy"
	gwconfig "github.com/fernlab-dev/agentgateway/config"
	"github.com/fernlab-dev/agentgateway/credentials"
	"github.com/fernlab-dev/agentgateway/db"
	"github.com/fernlab-dev/agentgateway/log"
	"github.com/fernlab-dev/agentgateway/persistence"
	"github.com/fernlab-dev/agentgateway/sdksession"
	gwsession "github.com/fernlab-dev/agentgateway/session"
	"github.com/fernlab-dev/agentgateway/subprocess"
	"github.com/fernlab-dev/agentgateway/transport"
	"github.com/fernlab-dev/agentgateway/workspace"
)

// Server owns and coordinates every gateway component: the session
// manager (and its two backend builders), the HTTP/WebSocket/SSE surface,
// and the supporting collaborators (credential store, auth policy,
// workspace manager, persistence) spec.md §3 names.
type Server struct {
	cfg *gwconfig.Config

	database    *db.DB
	persistence *persistence.Store
	credentials *credentials.Store
	policy      *authpolicy.Policy
	workspaces  workspace.Manager
	sessions    *gwsession.Manager

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server
}

// New wires every gateway component from cfg, following the teacher's
// "construct owned components in New, start them in Start" split.
func New(cfg *gwconfig.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Msg("initializing database")
	database, err := db.Open(ToDBConfig(cfg))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.database = database

	s.persistence = persistence.New()
	s.credentials = credentials.New(cfg.CredentialMasterKey)
	s.policy = authpolicy.New(cfg.HostedMode)
	s.workspaces = workspace.NewLocalManager(filepath.Join(cfg.AppDataDir, "worktrees"))

	log.Info().Msg("initializing session manager")
	s.sessions = gwsession.NewManager(gwsession.ManagerOptions{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		IdleTimeout:           cfg.IdleTimeout,
		Persistence:           s.persistence,
		ResumableStoreDir:     filepath.Join(cfg.AppDataDir, "resumable"),
		Builders: map[gwsession.BackendKind]gwsession.Builder{
			gwsession.BackendSubprocess: s.buildSubprocessSession,
			gwsession.BackendInProcess:  s.buildSDKSession,
		},
	})

	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// buildSubprocessSession is the Builder for spec.md §4.2's ACP-over-stdio
// backend: one `claude` (or configured agent binary) child process per
// session, speaking JSON-RPC over stdin/stdout.
func (s *Server) buildSubprocessSession(ctx context.Context, id string, req gwsession.CreateRequest, resume *gwsession.ResumableRecord) (gwsession.Session, error) {
	if err := s.policy.CheckEnv(req.Auth, req.Env); err != nil {
		return nil, err
	}

	backend := subprocess.NewExecBackend(s.cfg.AgentBinary)

	opts := subprocess.Options{
		WorkingDir:       req.RepoPath,
		Env:              req.Env,
		RequestTimeout:   s.cfg.RPCTimeout,
		IdleTimeout:      s.cfg.IdleTimeout,
		MaxMessageBytes:  s.cfg.MaxMessageBytes,
		CreateParentDirs: true,
		Persistence:      s.persistence,
		Logger:           log.Logger(),
	}
	if resume != nil {
		opts.ResumeBackendID = resume.BackendID
		opts.WorkingDir = resume.WorkingDir
	}
	if len(req.Config.MCPServers) > 0 {
		var servers []acp.MCPServer
		if err := json.Unmarshal(req.Config.MCPServers, &servers); err == nil {
			opts.MCPServers = servers
		}
	}
	if req.Auth.Mode == gwsession.AuthStoredKey && req.Auth.StoredCredentialID != "" {
		secret, err := s.credentials.Get(req.Auth.StoredCredentialID)
		if err != nil {
			return nil, fmt.Errorf("resolving stored credential: %w", err)
		}
		opts.Secrets = map[string]string{req.Auth.ProviderKey: secret}
	}

	return subprocess.New(id, backend, opts), nil
}

// buildSDKSession is the Builder for spec.md §4.3's in-process backend,
// driven through the agentsdk.SDK contract rather than a child process
// the gateway frames itself.
func (s *Server) buildSDKSession(ctx context.Context, id string, req gwsession.CreateRequest, resume *gwsession.ResumableRecord) (gwsession.Session, error) {
	if err := s.policy.CheckEnv(req.Auth, req.Env); err != nil {
		return nil, err
	}
	if err := s.policy.CheckInteractiveLogin(req.Auth); err != nil {
		return nil, err
	}

	sdk := agentsdk.NewClaudeCLI(s.cfg.AgentBinary)

	cfg := req.Config
	if resume != nil {
		cfg.Resume = resume.BackendID
	}

	return sdksession.New(id, sdk, sdksession.Options{
		WorkingDir:  req.RepoPath,
		Config:      cfg,
		Persistence: s.persistence,
		Logger:      log.Logger(),
	}), nil
}

// setupRouter creates and configures the Gin router, mounting the REST
// surface (api package) and the WebSocket/SSE surface (transport
// package) behind the shared middleware stack.
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(corsMiddleware())
	} else {
		s.router.Use(securityHeadersMiddleware())
	}

	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/v1/sessions/", // WebSocket/SSE endpoints under here must not be buffered
	})))

	s.router.Use(newRateLimiter(s.cfg.RateLimitPerMin).middleware())
	s.router.Use(bearerAuthMiddleware(s.cfg.BearerToken))

	s.router.SetTrustedProxies(nil)

	h := api.New(api.Handlers{
		Sessions:    s.sessions,
		Credentials: s.credentials,
		Persistence: s.persistence,
		Workspaces:  s.workspaces,
		Policy:      s.policy,
		AgentBinary: s.cfg.AgentBinary,
		BearerToken: s.cfg.BearerToken,
	})
	t := transport.New(s.sessions)
	api.SetupRoutes(s.router, h, t)
}

// Start starts the session manager's restore/idle-sweep loop and the
// HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Msg("starting server components")

	if err := s.sessions.Start(); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	if err := s.sessions.RestoreOnStartup(s.shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("resumable session restore failed")
	}

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(),
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, the session manager, and
// the database, in that order so in-flight requests can still reach a
// live session while new ones stop being accepted.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	s.shutdownCancel()
	time.Sleep(100 * time.Millisecond)

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	s.sessions.Shutdown()

	if s.database != nil {
		if err := s.database.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
			return err
		}
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

func (s *Server) Router() *gin.Engine              { return s.router }
func (s *Server) ShutdownContext() context.Context { return s.shutdownCtx }
