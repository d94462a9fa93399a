package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"docsync/internal/api"
	"docsync/internal/collab"
	"docsync/internal/config"
	"docsync/internal/events"
	"docsync/internal/metrics"
	"docsync/internal/persist"
	"docsync/internal/routers"
	"docsync/internal/session"
	"docsync/internal/store"
	"docsync/internal/utils"
)

const shutdownTimeout = 10 * time.Second

var (
	listenAndServe = serve
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("docsync-svc: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	logger := utils.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	instanceID := events.NewInstanceID()
	m := metrics.Default()

	rs, onRedis := st.(*store.RedisStore)
	var pub events.Publisher = events.NewLogPublisher(logger)
	if onRedis {
		pub = events.NewRedisPublisher(rs.Client(), cfg.EventsChannel)
	}
	hub := session.NewHub(st, pub, instanceID, logger, m)
	if onRedis {
		go watchPeers(bgCtx, rs, cfg.EventsChannel, instanceID, hub, logger)
	}

	scheduler := persist.New(st, persist.ConfigFrom(cfg), logger, m)
	syncHandler := collab.New(hub, scheduler, collab.Options{RoomGracePeriod: cfg.RoomGracePeriod}, logger)
	handlers := api.NewHandlers(logger, hub, syncHandler, m, api.Options{
		Client:    session.Options{SendBuffer: cfg.SendBuffer, CursorRate: cfg.CursorRate},
		JWTSecret: cfg.JWTSecret,
	})

	go syncHandler.RunReaper(bgCtx, cfg.ReapInterval)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}),
	)
	r.Mount("/", routers.New(handlers))

	logger.Info("docsync-svc listening", "addr", cfg.Addr(), "store", cfg.StoreDriver, "instanceId", instanceID)
	serveErr := listenAndServe(ctx, cfg.Addr(), r)
	cancel()

	// Anything still waiting on a debounce timer is written before exit.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout+cfg.SaveTimeout)
	defer flushCancel()
	if err := scheduler.Close(flushCtx); err != nil {
		logger.Error("failed to flush documents on shutdown", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Warn("failed to close store", "error", err)
	}
	return serveErr
}

// serve runs the HTTP server until it fails or ctx is cancelled.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// watchPeers warns when another instance opens a document this one holds.
func watchPeers(ctx context.Context, rs *store.RedisStore, channel, instanceID string, hub *session.Hub, logger *utils.Logger) {
	err := events.Subscribe(ctx, rs.Client(), channel, logger, func(ev events.RoomEvent) {
		if ev.InstanceID == instanceID {
			return
		}
		if ev.Type == events.RoomCreated && hub.Get(ev.DocumentID) != nil {
			logger.Warn("document open on another instance", "documentId", ev.DocumentID, "peer", ev.InstanceID)
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("room event watcher stopped", "error", err)
	}
}
