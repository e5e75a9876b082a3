package natsserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voices/internal/bus"
	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when embedded mode is off")
	}
	srv.Shutdown()
}

func TestStartAndConnect(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	sub, err := client.Conn().Subscribe("echo", func(msg *nats.Msg) { _ = msg.Respond(msg.Data) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, "echo", []byte("ping"))
	if err != nil || string(reply.Data) != "ping" {
		t.Fatalf("unexpected echo reply: %v", err)
	}
	if _, err := client.Request(ctx, "nobody", nil); !errors.Is(err, bus.ErrNoResponders) {
		t.Fatalf("expected no responders, got %v", err)
	}
}
