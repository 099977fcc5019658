package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/config"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/nats-io/nats.go"
)

const (
	serviceName    = "visualizer"
	defaultAddr    = ":8085"
	connectRetries = 10
)

// subjects are watched with core subscriptions so the dashboard never
// competes with stage consumers.
var subjects = []string{"events.>", "*.dead"}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

func main() {
	cfg, err := config.Load(os.Getenv("PIPELINE_CONFIG"))
	if err != nil {
		logger.Fatal("config load failed", err)
	}
	logger.Setup(serviceName, cfg.Log.Level)

	natsCfg := cfg.NATS
	if natsCfg.Name == "" {
		natsCfg.Name = serviceName
	}
	var client *bus.Client
	for i := 0; i < connectRetries; i++ {
		client, err = bus.Connect(natsCfg)
		if err == nil {
			break
		}
		slog.Info("visualizer: waiting for NATS", "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Fatal("could not connect to NATS", err)
	}
	slog.Info("visualizer: connected to NATS")

	addr := os.Getenv("VISUALIZER_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, client.Conn(), addr); err != nil {
		logger.Fatal("visualizer failed", err)
	}
}

func run(ctx context.Context, sub Subscriber, addr string) error {
	defer sub.Close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	hub := NewHub()
	go hub.Run(ctx)

	consumer := NewConsumer(hub)
	for _, subj := range subjects {
		if _, err := sub.Subscribe(subj, consumer.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("visualizer: upgrade failed", "error", err)
			return
		}
		hub.Register(conn)
		go drain(hub, conn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("visualizer: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	slog.Info("visualizer: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("visualizer: stopped")
	return nil
}

// drain reads until the dashboard disconnects so the hub learns about it.
func drain(hub *Hub, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			hub.Unregister(conn)
			return
		}
	}
}
