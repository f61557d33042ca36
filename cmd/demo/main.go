// Command demo runs a TCP-listening multiplexer hub exposing a Redis-backed
// key/value channel and, when MONGO_URI is set, a MongoDB-backed audit
// trail of every dispatched Call and Subscribe.
//
// # Configuration
//
// Environment variables:
//
//	DEMO_ADDR      - TCP listen address (default: ":4040")
//	REDIS_ADDR     - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD - Redis password (optional)
//	MONGO_URI      - MongoDB connection URI; audit disabled if unset
//	MONGO_DATABASE - MongoDB database name (default: "chanmux_demo")
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"goa.design/chanmux/channel"
	"goa.design/chanmux/hub"
	"goa.design/chanmux/internal/audit"
	"goa.design/chanmux/internal/kv"
	"goa.design/chanmux/telemetry"
	"goa.design/chanmux/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	addr := envOr("DEMO_ADDR", ":4040")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	mongoURI := os.Getenv("MONGO_URI")
	mongoDatabase := envOr("MONGO_DATABASE", "chanmux_demo")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics(otel.Meter("goa.design/chanmux/demo"))

	var hubOpts = []hub.Option{hub.WithLogger(logger), hub.WithMetrics(metrics)}
	var serverOpts = []channel.ServerOption{channel.WithMetrics(metrics)}
	if mongoURI != "" {
		mc, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(mongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer mc.Disconnect(ctx)

		observer, err := audit.New(audit.Options{Client: mc, Database: mongoDatabase, Logger: logger})
		if err != nil {
			return fmt.Errorf("create audit observer: %w", err)
		}
		if err := observer.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure audit indexes: %w", err)
		}
		serverOpts = append(serverOpts, channel.WithDispatchObserver(observer))
		log.Printf("audit trail enabled: database=%s collection=dispatch_records", mongoDatabase)
	}
	hubOpts = append(hubOpts, hub.WithServerOptions(serverOpts...))

	h := hub.New(hubOpts...)
	if err := h.RegisterChannel("kv", kv.New(rdb, "demo:")); err != nil {
		return fmt.Errorf("register kv channel: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer listener.Close()
	log.Printf("chanmux demo hub listening on %s", addr)

	for {
		c, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept connection: %w", err)
		}
		go acceptConn(ctx, h, c, logger)
	}
}

func acceptConn(ctx context.Context, h *hub.Hub, c net.Conn, logger telemetry.Logger) {
	nc := transport.NewNetConn(c)
	endpoint, err := h.Accept(ctx, nc)
	if err != nil {
		logger.Warn(ctx, "handshake failed", "remote", c.RemoteAddr().String(), "err", err.Error())
		_ = nc.Close()
		return
	}
	logger.Info(ctx, "accepted connection", "remote", c.RemoteAddr().String())
	_ = endpoint
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
