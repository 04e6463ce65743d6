// Package bootstrap resolves a DoH endpoint's hostname via raw UDP before
// the proxy has any other way to do DNS lookups.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const queryTimeout = 5 * time.Second

// bootstrapPort is the UDP port bootstrap queries are sent to. Tests point
// it at a local fake server.
var bootstrapPort = "53"

// Result carries the DoH endpoint's hostname and its bootstrap-resolved
// IP. The URL itself is never rewritten: Host and IP are instead handed
// to DialerWithOverrides so the transport dials the IP while TLS
// SNI/verification still uses Host.
type Result struct {
	Host string // hostname from the DoH URL; empty if the URL's host was an IP literal
	IP   string // resolved IP for Host; empty if the host was an IP literal or resolution failed
}

// Resolve never returns an error: on any failure it fails open, returning
// a Result with IP empty so callers fall back to dialing the hostname
// directly.
func Resolve(dohURL, bootstrapServerIP string, log *slog.Logger) Result {
	u, err := url.Parse(dohURL)
	if err != nil {
		if log != nil {
			log.Warn("bootstrap: could not parse upstream URL", "url", dohURL, "error", err)
		}
		return Result{}
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return Result{}
	}

	ip, err := resolveA(host, bootstrapServerIP)
	if err != nil {
		if log != nil {
			log.Warn("bootstrap: failed to resolve upstream host, dialing hostname directly",
				"host", host, "bootstrap_dns", bootstrapServerIP, "error", err)
		}
		return Result{Host: host}
	}

	if log != nil {
		log.Info("bootstrap: resolved upstream host", "host", host, "ip", ip.String())
	}
	return Result{Host: host, IP: ip.String()}
}

// resolveA sends a single A-record query for host to bootstrapServerIP:53
// over UDP and returns the first A record in the response.
func resolveA(host, bootstrapServerIP string) (net.IP, error) {
	msg := new(dns.Msg)
	msg.Id = uint16(rand.Intn(1 << 16))
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query: %w", err)
	}

	conn, err := net.DialTimeout("udp", net.JoinHostPort(bootstrapServerIP, bootstrapPort), queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial bootstrap server: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(queryTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("no A record in response for %s", host)
}

// OverrideMap is a concurrency-safe hostname->IP table. The HTTPS client's
// DialContext reads it on every dial while the bootstrap-retry task
// replaces its contents periodically, so lookups and updates are
// RWMutex-guarded rather than swapping the map (or the DialContext func
// itself) out from under in-flight requests.
type OverrideMap struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewOverrideMap builds an OverrideMap from an initial hostname->IP set.
// A nil initial is treated as empty.
func NewOverrideMap(initial map[string]string) *OverrideMap {
	data := make(map[string]string, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &OverrideMap{data: data}
}

// Replace atomically swaps the entire override set, used by the
// bootstrap-retry task once it has a fresh resolution.
func (m *OverrideMap) Replace(next map[string]string) {
	data := make(map[string]string, len(next))
	for k, v := range next {
		data[k] = v
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

func (m *OverrideMap) lookup(host string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ip, ok := m.data[host]
	return ip, ok
}

// DialerWithOverrides returns an http.Transport-compatible DialContext
// that redirects connections for hosts present in overrides (hostname ->
// resolved IP) to that IP, while leaving addr's hostname and port
// otherwise untouched so TLS SNI and certificate verification still use
// the original hostname.
func DialerWithOverrides(overrides *OverrideMap) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		if ip, ok := overrides.lookup(host); ok && ip != "" {
			addr = net.JoinHostPort(ip, port)
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
