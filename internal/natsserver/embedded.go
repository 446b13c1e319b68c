package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const defaultReadyTimeout = 5 * time.Second

// EmbeddedServer is an in-process broker bound to loopback. Session control,
// progress, speech and generation subjects all travel through it when no
// external servers are configured.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when the bus is disabled or points at external servers.
// A port of -1 picks a free port; credentials from cfg are enforced on clients.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: "loqa-meditation",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		Username:   cfg.Username,
		Password:   cfg.Password,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.Username == "" {
		opts.Authorization = cfg.Token
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	wait := defaultReadyTimeout
	if cfg.ConnectTimeout > 0 {
		wait = time.Duration(cfg.ConnectTimeout) * time.Millisecond
	}
	if !ns.ReadyForConnections(wait) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", wait)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for client connections to drain.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server", slog.Int("clients", e.ns.NumClients()))
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
