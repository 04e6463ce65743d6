package bootstrap

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startFakeBootstrapServer answers every A query with the given IP.
func startFakeBootstrapServer(t *testing.T, ip string) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) > 0 && req.Question[0].Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			}
			wire, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(wire, addr)
		}
	}()

	addr := conn.LocalAddr().(*net.UDPAddr)
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
}

func TestResolveIPLiteralIsFixedPoint(t *testing.T) {
	res := Resolve("https://1.1.1.1/dns-query", "8.8.8.8", nil)
	if res.Host != "" || res.IP != "" {
		t.Errorf("got %+v, want empty Result for an IP-literal URL", res)
	}
}

func TestResolveHostnameYieldsOverride(t *testing.T) {
	addr := startFakeBootstrapServer(t, "9.9.9.9")
	bootstrapHost, fakePort, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	oldPort := bootstrapPort
	bootstrapPort = fakePort
	t.Cleanup(func() { bootstrapPort = oldPort })

	res := Resolve("https://doh.example.com/dns-query", bootstrapHost, nil)
	if res.Host != "doh.example.com" {
		t.Errorf("Host = %q, want doh.example.com", res.Host)
	}
	if res.IP != "9.9.9.9" {
		t.Errorf("IP = %q, want 9.9.9.9", res.IP)
	}
}

func TestResolveTimeoutFailsOpenWithoutIP(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1 (RFC 5737): reserved, guaranteed unreachable.
	res := Resolve("https://doh.example.com/dns-query", "192.0.2.1", nil)
	if res.Host != "doh.example.com" {
		t.Errorf("Host = %q, want doh.example.com even on bootstrap failure", res.Host)
	}
	if res.IP != "" {
		t.Errorf("IP = %q, want empty on bootstrap failure", res.IP)
	}
}

func TestDialerWithOverridesRedirectsToIP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- struct{}{}
			conn.Close()
		}
	}()

	dial := DialerWithOverrides(NewOverrideMap(map[string]string{"doh.example.com": "127.0.0.1"}))
	conn, err := dial(context.Background(), "tcp", net.JoinHostPort("doh.example.com", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Error("expected the dial to reach the overridden IP's listener")
	}
}

func TestDialerWithOverridesPassesThroughUnmappedHosts(t *testing.T) {
	dial := DialerWithOverrides(NewOverrideMap(map[string]string{"other.example.com": "127.0.0.1"}))
	// No listener on this port; we only care that the host:port handed to
	// the real dialer is untouched (so it actually tries to reach
	// unmapped.invalid, not a rewritten address).
	_, err := dial(context.Background(), "tcp", "unmapped.invalid:1")
	if err == nil {
		t.Error("expected a dial error for an unmapped, unreachable host")
	}
}
