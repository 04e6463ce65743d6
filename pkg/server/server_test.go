package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"dohproxy/internal/testutil"
	"dohproxy/pkg/config"
)

func getAvailablePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func newTestConfig(t *testing.T, dohURL string) *config.Config {
	t.Helper()
	return &config.Config{
		ListenHost:   "127.0.0.1",
		ListenPort:   getAvailablePort(t),
		DoHUpstreams: []string{dohURL},
		BootstrapDNS: "8.8.8.8",
		WorkerCount:  2,
		QueueSize:    16,
		CacheEnabled: true,
		LogLevel:     "ERROR",
	}
}

func TestServerResolvesAQuery(t *testing.T) {
	upstream := testutil.StartDoHStub(t, func(query *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(query)
		resp.Answer = append(resp.Answer, testutil.ARecord(query.Question[0].Name, "203.0.113.5"))
		return resp
	})

	cfg := newTestConfig(t, upstream.URL)
	srv, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	r, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(r.Answer) != 1 {
		t.Fatalf("answer count = %d, want 1", len(r.Answer))
	}
	if r.Id != m.Id {
		t.Errorf("response transaction ID = %d, want %d", r.Id, m.Id)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestServerServesCacheHitWithRewrittenTransactionID(t *testing.T) {
	var hits int
	upstream := testutil.StartDoHStub(t, func(query *dns.Msg) *dns.Msg {
		hits++
		resp := new(dns.Msg)
		resp.SetReply(query)
		resp.Answer = append(resp.Answer, testutil.ARecord(query.Question[0].Name, "203.0.113.9"))
		return resp
	})

	cfg := newTestConfig(t, upstream.URL)
	srv, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	c := new(dns.Client)

	for i := 0; i < 2; i++ {
		m := new(dns.Msg)
		m.SetQuestion("cached.example.com.", dns.TypeA)
		r, _, err := c.Exchange(m, addr)
		if err != nil {
			t.Fatalf("query %d failed: %v", i, err)
		}
		if r.Id != m.Id {
			t.Errorf("query %d: response ID = %d, want %d", i, r.Id, m.Id)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if hits != 1 {
		t.Errorf("upstream hit count = %d, want 1 (second query should be served from cache)", hits)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
