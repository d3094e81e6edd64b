package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/HumansWindow/lastproject-sub014/internal/issuance"
)

type Config struct {
	Host string
	Port int64
	// DepthThreshold is the pending-queue depth at which intake nudges
	// the settlement worker ahead of its timer.
	DepthThreshold int
}

// Server is the boundary HTTP API: request intake, status/history
// reads and pre-batch cancellation.
type Server struct {
	cfg     Config
	service *issuance.Service
	asynq   *asynq.Client
	logger  logrus.FieldLogger
}

func NewServer(cfg Config, service *issuance.Service, asynqClient *asynq.Client, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:     cfg,
		service: service,
		asynq:   asynqClient,
		logger:  logger.WithField("component", "api"),
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Route("/issuance", func(r chi.Router) {
		r.Post("/first", s.enqueueFirstHandler)
		r.Post("/periodic", s.enqueuePeriodicHandler)
		r.Get("/requests/{requestID}", s.requestStatusHandler)
		r.Post("/requests/{requestID}/cancel", s.cancelHandler)
		r.Get("/history/{walletAddress}", s.historyHandler)
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", addr).Info("starting api server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("srv.ListenAndServe: %w", err)
	}
	return nil
}
