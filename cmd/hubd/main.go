package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/warp-hub-go/application"
	"github.com/lk2023060901/warp-hub-go/internal/hub"
	"github.com/lk2023060901/warp-hub-go/internal/network/acceptor"
	"github.com/lk2023060901/warp-hub-go/internal/network/session"
	"github.com/lk2023060901/warp-hub-go/internal/storage"
	"github.com/lk2023060901/warp-hub-go/internal/sysuser"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/log"
	"github.com/lk2023060901/warp-hub-go/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := application.New()
	if err := app.Run(); err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app.Config()); err != nil {
		log.Error("hub stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(ctx context.Context, cfg *application.Config) error {
	metrics.Register(prometheus.DefaultRegisterer)

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	cache := userdata.New(backend, cfg.CacheConfig())
	h := hub.New(cfg.HubConfig(), hub.Deps{Cache: cache, Spool: backend})
	defer h.Close()

	bot, err := sysuser.Start(ctx, h, cfg.Hub.BotPoolSize)
	if err != nil {
		return err
	}
	defer bot.Stop(context.Background())

	acc, err := acceptor.NewTCPAcceptor(cfg.Server.Listen, nil)
	if err != nil {
		return err
	}
	log.Info("hub listening",
		zap.Stringer("addr", acc.Addr()),
		zap.String("storage", cfg.Storage.Driver),
		zap.Stringer("serverUIN", h.ServerUIN()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acc.Serve(gctx, session.NewHubHandler(h, cfg.SessionConfig()))
	})
	if cfg.Metrics.Listen != "" {
		srv := newAdminServer(cfg.Metrics.Listen, h)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info("hub shutting down", zap.Int("online", h.OnlineCount()))
	if ctx.Err() != nil && (err == nil || err == context.Canceled) {
		return nil
	}
	return err
}

// newAdminServer 暴露 prometheus 指标、状态转储与在线调整日志级别。
func newAdminServer(addr string, h *hub.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/loglevel", log.Level())
	mux.HandleFunc("/debug/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := h.DumpState(w); err != nil {
			log.Warn("state dump failed", zap.Error(err))
		}
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
