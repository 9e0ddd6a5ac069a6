// Package rpcserver bootstraps the public (anonymous-TLS) and protected
// (mutual-TLS) grpc.Server instances, instruments both with
// otelgrpc.NewServerHandler, rate-limits the public endpoint, and exposes
// the RestartProtected hook internal/certwatch drives on cert rotation.
// Grounded on the teacher's cmd/server/main.go bootstrap idiom (adapted
// from gin.Engine.Run to grpc.Server.Serve) and
// mosaicnetworks-babble/net/tls_transport.go for the TLS listener shape.
package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"golang.org/x/time/rate"

	redis "github.com/redis/go-redis/v9"

	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/tlsserver"
)

// codecOption forces every grpc.Server this package builds onto
// internal/iampb's CBOR codec: none of iampb's message types implement
// proto.Message, so grpc-go's default "proto" codec can never marshal
// them.
func codecOption() grpc.ServerOption { return grpc.ForceServerCodec(iampb.Codec) }

// Registrar registers a service implementation against a
// grpc.ServiceRegistrar; RestartProtected replays every registrar against
// the freshly constructed *grpc.Server.
type Registrar func(grpc.ServiceRegistrar)

// CertSource supplies the leaf certificate and private key PEM that were
// actually installed for a cert type, so RestartProtected can rebuild mTLS
// credentials from the certificate that triggered the rotation rather than
// the static Material captured at startup. internal/credstore.Store
// implements this.
type CertSource interface {
	GetCertMaterial(certType string) (certPEM, keyPEM []byte, err error)
}

// Limiter caps request rate on the public endpoint. DefaultLimiter wraps
// golang.org/x/time/rate; RedisLimiter (below) shares state
// across dispatcher replicas.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// localLimiter is the golang.org/x/time/rate-backed default.
type localLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocalLimiter builds a per-peer token-bucket limiter.
func NewLocalLimiter(rps float64, burst int) Limiter {
	return &localLimiter{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (l *localLimiter) Allow(ctx context.Context, key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RedisLimiter shares a fixed request budget per minute across dispatcher
// replicas, adapted from the teacher's RateLimitMiddlewareFromEnv Redis
// path (INCR + EXPIRE on a per-minute bucket key).
type RedisLimiter struct {
	rdb *redis.Client
	rpm int
}

func NewRedisLimiter(rdb *redis.Client, rpm int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, rpm: rpm}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	now := time.Now().UTC()
	bucket := fmt.Sprintf("iamfleet:rl:%s:%04d%02d%02d%02d%02d", key, now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute())
	n, err := l.rdb.Incr(ctx, bucket).Result()
	if err != nil {
		return true // fail open: do not let a Redis outage take down the public endpoint
	}
	_ = l.rdb.Expire(ctx, bucket, 61*time.Second).Err()
	return int(n) <= l.rpm
}

func rateLimitInterceptor(limiter Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		key := peerKey(ctx)
		if !limiter.Allow(ctx, key) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func rateLimitStreamInterceptor(limiter Limiter) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		key := peerKey(ss.Context())
		if !limiter.Allow(ss.Context(), key) {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(srv, ss)
	}
}

func peerKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	return p.Addr.String()
}

// Server owns the public and protected grpc.Server lifecycles.
type Server struct {
	log *slog.Logger

	publicAddr    string
	protectedAddr string

	publicCreds credentials.TransportCredentials

	public    *grpc.Server
	protected *grpc.Server

	protectedMaterial tlsserver.Material
	certSource        CertSource
	registrars        []Registrar

	mu             sync.Mutex
	protectedLis   net.Listener
	drainGraceTime time.Duration
}

// Options configures Server construction.
type Options struct {
	PublicAddr        string
	ProtectedAddr     string
	PublicMaterial    tlsserver.Material
	ProtectedMaterial tlsserver.Material
	CertSource        CertSource
	Limiter           Limiter
	DrainGrace        time.Duration
	Logger            *slog.Logger
}

// New constructs a Server and registers servicers is deferred to
// RegisterPublic/RegisterProtected so callers can build the dispatcher
// before the grpc.Server machinery exists.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DrainGrace == 0 {
		opts.DrainGrace = 10 * time.Second
	}

	publicCreds, err := tlsserver.PublicCredentials(opts.PublicMaterial)
	if err != nil {
		return nil, err
	}

	statsHandler := otelgrpc.NewServerHandler()

	publicInterceptors := []grpc.ServerOption{
		grpc.Creds(publicCreds),
		grpc.StatsHandler(statsHandler),
		codecOption(),
	}
	if opts.Limiter != nil {
		publicInterceptors = append(publicInterceptors,
			grpc.ChainUnaryInterceptor(rateLimitInterceptor(opts.Limiter)),
			grpc.ChainStreamInterceptor(rateLimitStreamInterceptor(opts.Limiter)))
	}

	s := &Server{
		log:               opts.Logger,
		publicAddr:        opts.PublicAddr,
		protectedAddr:     opts.ProtectedAddr,
		publicCreds:       publicCreds,
		public:            grpc.NewServer(publicInterceptors...),
		protectedMaterial: opts.ProtectedMaterial,
		certSource:        opts.CertSource,
		drainGraceTime:    opts.DrainGrace,
	}

	protectedCreds, err := tlsserver.ProtectedCredentials(opts.ProtectedMaterial)
	if err != nil {
		return nil, err
	}
	s.protected = grpc.NewServer(grpc.Creds(protectedCreds), grpc.StatsHandler(statsHandler), codecOption())

	return s, nil
}

// RegisterPublic registers a service on the public endpoint.
func (s *Server) RegisterPublic(fn Registrar) { fn(s.public) }

// RegisterProtected registers a service on the protected endpoint and
// remembers fn so RestartProtected can replay it on the rebuilt server.
func (s *Server) RegisterProtected(fn Registrar) {
	s.registrars = append(s.registrars, fn)
	fn(s.protected)
}

// Serve starts both endpoints; it blocks until ctx is done or a fatal
// listener error occurs, then performs the shutdown sequence described by
// spec.md §5: stop accepting, drain in-flight RPCs up to grace, stop.
func (s *Server) Serve(ctx context.Context) error {
	publicLis, err := net.Listen("tcp", s.publicAddr)
	if err != nil {
		return iamerr.Wrap(iamerr.Internal, "listen on public endpoint", err)
	}
	protectedLis, err := net.Listen("tcp", s.protectedAddr)
	if err != nil {
		return iamerr.Wrap(iamerr.Internal, "listen on protected endpoint", err)
	}
	s.mu.Lock()
	s.protectedLis = protectedLis
	s.mu.Unlock()

	errs := make(chan error, 2)
	go func() { errs <- s.public.Serve(publicLis) }()
	go func() { errs <- s.protected.Serve(protectedLis) }()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errs:
		s.shutdown()
		return err
	}
}

func (s *Server) shutdown() {
	done := make(chan struct{})
	go func() {
		s.public.GracefulStop()
		s.protected.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainGraceTime):
		s.public.Stop()
		s.protected.Stop()
	}
}

// RestartProtected implements internal/certwatch.Restarter: it stops
// accepting new connections on the protected endpoint, drains in-flight
// RPCs up to the configured grace period, tears the transport down,
// rebuilds mTLS credentials from newCert, and rebinds -- the public
// endpoint is never touched (spec.md §4.4).
//
// The rebuilt credentials come from certSource.GetCertMaterial(newCert.Type)
// when a CertSource is configured, i.e. the certificate/key pair that was
// actually just applied, not the Material captured at startup. Falls back
// to the last-known Material (with a warning) if no CertSource is wired or
// the signer backing newCert.Type can't export its private key.
func (s *Server) RestartProtected(ctx context.Context, newCert iampb.CertInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	material := s.protectedMaterial
	if s.certSource != nil {
		certPEM, keyPEM, err := s.certSource.GetCertMaterial(newCert.Type)
		if err != nil {
			s.log.Warn("cert material unavailable for rotated cert type, keeping prior protected credentials",
				"cert_type", newCert.Type, "error", err)
		} else {
			material = tlsserver.Material{CertPEM: certPEM, KeyPEM: keyPEM, CACert: s.protectedMaterial.CACert}
		}
	}

	creds, err := tlsserver.ProtectedCredentials(material)
	if err != nil {
		return err
	}
	s.protectedMaterial = material

	done := make(chan struct{})
	go func() {
		s.protected.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainGraceTime):
		s.protected.Stop()
	}

	statsHandler := otelgrpc.NewServerHandler()
	fresh := grpc.NewServer(grpc.Creds(creds), grpc.StatsHandler(statsHandler), codecOption())
	for _, reg := range s.registrars {
		reg(fresh)
	}

	lis, err := net.Listen("tcp", s.protectedAddr)
	if err != nil {
		return iamerr.Wrap(iamerr.Internal, "rebind protected endpoint", err)
	}

	s.protected = fresh
	s.protectedLis = lis

	go func() {
		if err := s.protected.Serve(lis); err != nil {
			s.log.Error("protected endpoint serve failed after restart", "error", err)
		}
	}()

	s.log.Info("protected endpoint restarted on cert rotation", "cert_type", newCert.Type, "not_after", newCert.NotAfter)
	return nil
}
