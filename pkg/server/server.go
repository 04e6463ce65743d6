// Package server wires together the cache, upstream manager, resolver,
// and UDP protocol handler into the running proxy.
package server

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"dohproxy/pkg/bootstrap"
	"dohproxy/pkg/cache"
	"dohproxy/pkg/config"
	"dohproxy/pkg/metrics"
	"dohproxy/pkg/protocol"
	"dohproxy/pkg/resolver"
	"dohproxy/pkg/upstream"
	"dohproxy/pkg/version"
)

const (
	cachePruneInterval  = 60 * time.Second
	statsReportInterval = 300 * time.Second
	bootstrapRetryEvery = 60 * time.Second
	shutdownDrainWait   = 5 * time.Second
)

// Server holds the queue, worker pool, shared HTTPS client, cache,
// upstream manager, and protocol handler that make up the running proxy.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	cache     *cache.Cache
	upstreams *upstream.Manager
	resolver  *resolver.Resolver
	metrics   *metrics.Metrics
	proto     *protocol.Protocol
	client    *http.Client
	overrides *bootstrap.OverrideMap

	queue chan protocol.Job

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New runs the startup sequence: build the cache, bootstrap-resolve every
// hostname-based upstream, create the shared HTTPS client, and bind the
// UDP socket.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	c := cache.New(cfg.CacheEnabled, log)

	upstreams := upstream.New(cfg.DoHUpstreams, upstream.DefaultFailureThreshold, upstream.DefaultRecoveryInterval, log)

	overrides := bootstrap.NewOverrideMap(resolveBootstrapOverrides(cfg.DoHUpstreams, cfg.BootstrapDNS, log))

	client := newHTTPSClient(overrides)
	res := resolver.New(client, upstreams)
	m := metrics.New(log)

	queue := make(chan protocol.Job, cfg.QueueSize)
	proto, err := protocol.Bind(cfg.ListenHost, cfg.ListenPort, queue, log)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		log:       log,
		cache:     c,
		upstreams: upstreams,
		resolver:  res,
		metrics:   m,
		proto:     proto,
		client:    client,
		overrides: overrides,
		queue:     queue,
	}, nil
}

func resolveBootstrapOverrides(urls []string, bootstrapDNS string, log *slog.Logger) map[string]string {
	overrides := make(map[string]string)
	for _, u := range urls {
		res := bootstrap.Resolve(u, bootstrapDNS, log)
		if res.Host != "" && res.IP != "" {
			overrides[res.Host] = res.IP
		}
	}
	return overrides
}

func newHTTPSClient(overrides *bootstrap.OverrideMap) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ForceAttemptHTTP2:   true,
			DialContext:         bootstrap.DialerWithOverrides(overrides),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Start launches the maintenance tasks, the worker pool, and the receive
// loop in background goroutines and returns immediately; they run until
// Shutdown.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gCtx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { s.runCacheCleaner(gCtx); return nil })
	g.Go(func() error { s.runStatsReporter(gCtx); return nil })
	g.Go(func() error { s.runBootstrapRetry(gCtx); return nil })

	for i := 0; i < s.cfg.WorkerCount; i++ {
		g.Go(func() error { s.runWorker(gCtx); return nil })
	}

	s.log.Info("starting DoH proxy", "version", version.Version,
		"listen", s.proto.LocalAddr().String(), "workers", s.cfg.WorkerCount, "queue_size", s.cfg.QueueSize)

	go s.proto.ReceiveLoop()

	return nil
}

// Shutdown stops accepting new work, drains in-flight jobs up to a bounded
// timeout, cancels maintenance tasks, and closes the client and socket.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.proto.Close(); err != nil {
		s.log.Warn("error closing socket", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownDrainWait)
	defer drainCancel()

	drained := make(chan struct{})
	go func() {
		for len(s.queue) > 0 {
			select {
			case <-drainCtx.Done():
				close(drained)
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
		close(drained)
	}()
	<-drained

	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}

	s.client.CloseIdleConnections()
	return nil
}

func (s *Server) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			s.handleJob(ctx, job)
		}
	}
}

// handleJob serves a cache hit directly or resolves upstream on a miss,
// inserting the fresh answer into the cache before replying.
func (s *Server) handleJob(ctx context.Context, job protocol.Job) {
	if len(job.Bytes) < 12 {
		s.metrics.RecordMalformed()
		return
	}
	txnID := job.Bytes[0:2]

	key, ok := questionKey(job.Bytes)
	if !ok {
		s.metrics.RecordMalformed()
		return
	}

	if cached, _, hit := s.cache.Lookup(key); hit {
		rewriteTransactionID(cached, txnID)
		s.proto.SendResponse(job.ClientAddr, cached)
		s.metrics.RecordCacheHit()
		return
	}

	start := time.Now()
	respBytes, ttl, err := s.resolver.Resolve(ctx, job.Bytes)
	if err != nil {
		s.log.Warn("resolve failed", "error", err, "from", job.ClientAddr.String())
		return
	}
	s.metrics.RecordCacheMiss(time.Since(start))

	s.cache.Insert(key, respBytes, ttl)

	rewriteTransactionID(respBytes, txnID)
	s.proto.SendResponse(job.ClientAddr, respBytes)
}

func (s *Server) runCacheCleaner(ctx context.Context) {
	ticker := time.NewTicker(cachePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cache.Prune()
		}
	}
}

func (s *Server) runStatsReporter(ctx context.Context) {
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.Report()
			for _, stat := range s.upstreams.StatsSnapshot() {
				s.log.Info("upstream stats", "url", stat.URL, "healthy", stat.Healthy,
					"successes", stat.Successes, "failures", stat.Failures, "avg_response_ms", stat.AvgResponseMs)
			}
			s.log.Info("cache stats", "size", s.cache.Size(), "dropped", s.proto.Dropped())
		}
	}
}

// runBootstrapRetry re-runs bootstrap resolution every bootstrapRetryEvery,
// so a hostname-based upstream doesn't stay stuck dialing by name for the
// life of the process just because the bootstrap DNS was briefly down.
// Each tick re-resolves every upstream, not only those that failed at
// startup, and replaces the whole override table with the result; a host
// whose re-resolution fails loses its override and is dialed by name until
// a later tick resolves it again.
func (s *Server) runBootstrapRetry(ctx context.Context) {
	ticker := time.NewTicker(bootstrapRetryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.overrides.Replace(resolveBootstrapOverrides(s.cfg.DoHUpstreams, s.cfg.BootstrapDNS, s.log))
		}
	}
}

// questionKey decodes a raw DNS query enough to build a cache key: the
// transaction ID itself is handled separately (rewriteTransactionID)
// without a full re-pack, so this only needs the question section.
func questionKey(b []byte) (cache.Key, bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil || len(msg.Question) == 0 {
		return cache.Key{}, false
	}
	q := msg.Question[0]
	return cache.NewKey(q.Name, q.Qtype, q.Qclass), true
}

// rewriteTransactionID overwrites the first two octets of a DNS message
// (the transaction ID) in place to match the client's original query.
func rewriteTransactionID(b []byte, txnID []byte) {
	if len(b) < 2 || len(txnID) < 2 {
		return
	}
	binary.BigEndian.PutUint16(b, binary.BigEndian.Uint16(txnID))
}
