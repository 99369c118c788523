package main

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"opal-relay/internal/relay"
	"opal-relay/internal/server"
	"opal-relay/internal/serverutil"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("firstNonEmpty = %q, want empty", got)
	}
	if got := firstNonEmpty("  padded  "); got != "padded" {
		t.Fatalf("firstNonEmpty = %q, want trimmed value", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example.com , ,https://b.example.com ")
	want := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitAndTrim = %v, want %v", got, want)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("blank input must yield nil")
	}
	if splitAndTrim(", ,") != nil {
		t.Fatal("separator-only input must yield nil")
	}
}

func TestResolveInt(t *testing.T) {
	if got := resolveInt(5, "OPAL_RELAY_TEST_INT"); got != 5 {
		t.Fatalf("flag value must win, got %d", got)
	}
	t.Setenv("OPAL_RELAY_TEST_INT", " 7 ")
	if got := resolveInt(0, "OPAL_RELAY_TEST_INT"); got != 7 {
		t.Fatalf("env value = %d, want 7", got)
	}
	t.Setenv("OPAL_RELAY_TEST_INT", "not-a-number")
	if got := resolveInt(0, "OPAL_RELAY_TEST_INT"); got != 0 {
		t.Fatalf("unparsable env must yield 0, got %d", got)
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(time.Second, "OPAL_RELAY_TEST_DURATION", time.Minute); got != time.Second {
		t.Fatalf("flag value must win, got %v", got)
	}
	t.Setenv("OPAL_RELAY_TEST_DURATION", "45s")
	if got := resolveDuration(0, "OPAL_RELAY_TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Fatalf("env value = %v", got)
	}
	t.Setenv("OPAL_RELAY_TEST_DURATION", "")
	if got := resolveDuration(0, "OPAL_RELAY_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("fallback = %v, want 1m", got)
	}
}

func TestResolveBool(t *testing.T) {
	if !resolveBool(true, "OPAL_RELAY_TEST_BOOL") {
		t.Fatal("flag value must win")
	}
	t.Setenv("OPAL_RELAY_TEST_BOOL", "true")
	if !resolveBool(false, "OPAL_RELAY_TEST_BOOL") {
		t.Fatal("env value not applied")
	}
	t.Setenv("OPAL_RELAY_TEST_BOOL", "not-a-bool")
	if resolveBool(false, "OPAL_RELAY_TEST_BOOL") {
		t.Fatal("unparsable env must yield false")
	}
}

func TestServeHTTPGracefulShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := relay.NewSessionStore()
	pipeline := relay.NewOrchestrator(relay.OrchestratorConfig{
		Sessions: sessions,
		Logger:   logger,
	})
	gateway := relay.NewGateway(relay.GatewayConfig{
		Sessions: sessions,
		Pipeline: pipeline,
		Logger:   logger,
	})
	srv, err := server.New(gateway, server.Config{Addr: "127.0.0.1:0", Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- serveHTTP(ctx, srv, serverutil.TLSConfig{}, ready)
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveHTTP returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestConfigureQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	queue, err := configureQueue("", relay.RedisQueueConfig{}, logger)
	if err != nil || queue == nil {
		t.Fatalf("default driver: queue=%v err=%v", queue, err)
	}
	queue, err = configureQueue("memory", relay.RedisQueueConfig{}, logger)
	if err != nil || queue == nil {
		t.Fatalf("memory driver: queue=%v err=%v", queue, err)
	}
	if _, err := configureQueue("redis", relay.RedisQueueConfig{}, logger); err == nil {
		t.Fatal("redis driver without an addr must fail")
	}
	if _, err := configureQueue("kafka", relay.RedisQueueConfig{}, logger); err == nil {
		t.Fatal("unsupported driver must fail")
	}
}
