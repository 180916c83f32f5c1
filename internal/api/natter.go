package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"

	"github.com/natterhq/natter/internal/config"
	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/server"
)

type NatterApp struct {
	log            zerolog.Logger
	db             database.NatterRepository
	srv            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
	sid            *shortid.Shortid
}

func NewNatterApp(logger zerolog.Logger, cs *server.ChatServer, db database.NatterRepository, cfg *config.Config, mux *http.ServeMux) (*NatterApp, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		return nil, fmt.Errorf("shortid: %w", err)
	}

	s := &NatterApp{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		sid:            sid,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("POST /api/workspaces", s.authMiddleware(s.createWorkspace))
	mux.HandleFunc("GET /api/workspaces", s.authMiddleware(s.listWorkspaces))
	mux.HandleFunc("POST /api/workspaces/{id}/members", s.authMiddleware(s.addWorkspaceMember))
	mux.HandleFunc("POST /api/workspaces/{id}/channels", s.authMiddleware(s.createChannel))
	mux.HandleFunc("GET /api/workspaces/{id}/channels", s.authMiddleware(s.listChannels))
	mux.HandleFunc("POST /api/channels/{id}/members", s.authMiddleware(s.addChannelMember))
	mux.HandleFunc("POST /api/channels/{id}/archive", s.authMiddleware(s.archiveChannel))
	mux.HandleFunc("GET /api/channels/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s, nil
}

func (s *NatterApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting http server")
	return s.srv.ListenAndServe()
}

func (s *NatterApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down http server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *NatterApp) generateShortId() (string, error) {
	return s.sid.Generate()
}
