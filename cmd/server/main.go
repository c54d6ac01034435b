package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail-leases/internal/api"
	"github.com/vdavid/vmail-leases/internal/config"
	"github.com/vdavid/vmail-leases/internal/db"
	"github.com/vdavid/vmail-leases/internal/imap"
	"github.com/vdavid/vmail-leases/internal/lease"
	"github.com/vdavid/vmail-leases/internal/logger"
	ws "github.com/vdavid/vmail-leases/internal/websocket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.SetDefault(logger.New(logger.LoadConfig()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	address := ":" + cfg.Port
	listener, err := net.Listen("tcp", address)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", address, err)
	}
	log.Printf("vmail-leases admin API starting on %s (environment: %s)", address, cfg.Environment)

	if err := a.serve(ctx, listener); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

// app holds everything the server wires together.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	detector *lease.Detector
	hub      *ws.Hub
	imapPool *imap.Pool

	// Nil when leak reports are not persisted.
	dbPool   *pgxpool.Pool
	pgHolder *lease.Holder[*pgxpool.Pool]
	store    *db.LeakReportStore

	handler http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		detector: lease.NewDetector(cfg.LeakDetection(), lease.WithLogger(logger)),
		hub:      ws.NewHub(10),
	}
	a.detector.AddSink(ws.NewEventSink(a.hub))

	opts := []lease.Option{lease.WithLogger(logger), lease.WithDetector(a.detector)}

	a.imapPool = imap.NewPool(opts...)
	a.imapPool.OnHolder(func(h *lease.Holder[imap.IMAPClient]) {
		h.AddListener(ws.NewEventListener[imap.IMAPClient](a.hub, h.Name()))
	})

	holders := []api.StatsSource{a.imapPool}
	var leaks api.LeakLister

	if cfg.PersistLeaks() {
		pool, err := db.NewConnection(ctx, cfg)
		if err != nil {
			a.imapPool.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.dbPool = pool

		a.pgHolder = lease.NewHolder[*pgxpool.Pool]("postgres", nil, opts...)
		a.pgHolder.AddListener(ws.NewEventListener[*pgxpool.Pool](a.hub, a.pgHolder.Name()))
		a.pgHolder.Publish(pool)

		a.store = db.NewLeakReportStore(a.pgHolder)
		if err := a.store.EnsureSchema(ctx); err != nil {
			a.imapPool.Close()
			db.CloseConnection(pool)
			return nil, fmt.Errorf("failed to create leak report table: %w", err)
		}
		a.detector.AddSink(a.store)

		holders = append(holders, api.HolderStats(a.pgHolder.Stats))
		leaks = a.store
		logger.Info("Leak reports are persisted to the database")
	}

	a.handler = api.NewRouter(api.Deps{
		AdminToken: cfg.AdminToken,
		Detector:   a.detector,
		Holders:    holders,
		Leaks:      leaks,
		Hub:        a.hub,
		IMAP:       a.imapPool,
	})
	return a, nil
}

// serve runs the HTTP server and the leak detector until ctx is done, then shuts everything down.
func (a *app) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.detector.Start(gctx)
		<-gctx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server did not shut down cleanly", "error", err)
		}
		a.shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// shutdown stops leak detection, then retracts every resource, waiting for in-flight borrowers.
func (a *app) shutdown(ctx context.Context) {
	a.detector.Stop()
	a.imapPool.Close()

	if a.pgHolder != nil {
		if err := a.pgHolder.Retract(ctx); err != nil {
			a.logger.Warn("Database still in use at shutdown", "error", err)
		}
		a.pgHolder.Close()
		db.CloseConnection(a.dbPool)
	}
}
