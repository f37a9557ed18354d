package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/config"
)

type Server struct {
	cfg     *config.Config
	http    *http.Server
	closers []func() // dependency clients released on shutdown
}

func New(cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	router, err := s.setupRoutes()
	if err != nil {
		return nil, fmt.Errorf("setup routes: %w", err)
	}

	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the whole turn.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("graceful shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := s.http.Shutdown(shutdownCtx)

		for _, closeFn := range s.closers {
			closeFn()
		}

		return err
	case err := <-errCh:
		return err
	}
}
