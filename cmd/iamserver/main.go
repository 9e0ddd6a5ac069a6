// Command iamserver runs the main-node IAM dispatching server: the public
// and protected gRPC endpoints, the provisioning state machine, and every
// collaborator the RequestDispatcher routes to. Its flag surface and
// cobra.Command wiring are grounded on mosaicnetworks-babble's
// cmd/network/commands (RootCmd/run.go's Flags()+PreRunE shape), repointed
// at this repo's viper-backed internal/config loader instead of babble's
// own config tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/edgefleet/iamfleet/internal/auditlog"
	"github.com/edgefleet/iamfleet/internal/certwatch"
	"github.com/edgefleet/iamfleet/internal/config"
	"github.com/edgefleet/iamfleet/internal/credstore"
	"github.com/edgefleet/iamfleet/internal/dispatcher"
	"github.com/edgefleet/iamfleet/internal/eventbus"
	"github.com/edgefleet/iamfleet/internal/iampb"
	"github.com/edgefleet/iamfleet/internal/identity"
	"github.com/edgefleet/iamfleet/internal/logging"
	"github.com/edgefleet/iamfleet/internal/opshttp"
	"github.com/edgefleet/iamfleet/internal/permstore"
	"github.com/edgefleet/iamfleet/internal/provisioning"
	"github.com/edgefleet/iamfleet/internal/registry"
	"github.com/edgefleet/iamfleet/internal/rpcserver"
	"github.com/edgefleet/iamfleet/internal/tlsserver"
	"github.com/edgefleet/iamfleet/internal/tracing"
)

// apiVersion is the wire schema version the public/protected endpoints
// advertise through GetAPIVersion, per spec.md §4's "versioned v5 of the
// IAM schema."
const apiVersion uint64 = 5

var (
	configPath       string
	journalPath      string
	verboseLevel     string
	provisioningMode bool
)

func main() {
	root := &cobra.Command{
		Use:          "iamserver",
		Short:        "IAM dispatching server",
		Version:      fmt.Sprintf("%d.0.0", apiVersion),
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVar(&configPath, "config", "/etc/iamfleet/iamserver.json", "path to the JSON configuration file")
	root.Flags().StringVar(&journalPath, "journal", "-", "log sink: '-' for stderr, or a file path")
	root.Flags().StringVar(&verboseLevel, "verbose", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&provisioningMode, "provisioning", false, "start in provisioning-allowed mode")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	sink, closeSink, err := logging.OpenSink(journalPath)
	if err != nil {
		return err
	}
	defer closeSink()
	log := logging.New(verboseLevel, false, sink)

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if provisioningMode {
		log.Info("starting in provisioning-allowed mode")
	}

	shutdownTracing, tracingEnabled := tracing.Setup(cmd.Context(), "iamserver", cfg.OTLPEndpoint, log)
	defer shutdownTracing(context.Background())
	if tracingEnabled {
		log.Info("otel tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		db, err = sqlx.Connect("pgx", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		db.MustExec(permstore.Schema)
		db.MustExec(auditlog.Schema)
	} else {
		log.Warn("no database.dsn configured; permstore/auditlog run in-memory only")
	}

	creds, err := buildCredStore(cfg)
	if err != nil {
		return fmt.Errorf("build credential store: %w", err)
	}

	idProvider, err := identity.New(cfg.Identifier.Plugin, cfg.Identifier.Params)
	if err != nil {
		return fmt.Errorf("build identity provider: %w", err)
	}

	prov, err := provisioning.Load(cfg.NodeInfo.ProvisioningStatePath, provisioning.Hooks{
		OnFinishProvisioning: runCmdHook(cfg.FinishProvisioningCmdArgs),
		OnDeprovision:        runCmdHook(cfg.DeprovisionCmdArgs),
	})
	if err != nil {
		return fmt.Errorf("load provisioning state: %w", err)
	}

	gate, err := buildGate(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build permission gate: %w", err)
	}
	relChecker, err := permstore.NewSpiceDBFromEnv(cfg.SpiceDBEndpoint, cfg.SpiceDBToken)
	if err != nil {
		log.Warn("spicedb relation checker unavailable, GetPermissions skips the extra check", "error", err)
		relChecker = nil
	}
	perms := permstore.New(db, []byte(cfg.PermSignKey), gate, relChecker)
	if db != nil {
		if err := perms.LoadFromDB(cmd.Context()); err != nil {
			return fmt.Errorf("load permstore state: %w", err)
		}
	}

	var audit *auditlog.Ledger
	if db != nil {
		audit = auditlog.New(db)
	}

	bus, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("build event bus: %w", err)
	}
	defer bus.Close()

	reg := registry.New()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = "node0"
	}

	disp := dispatcher.New(dispatcher.Options{
		SelfNodeID:     nodeID,
		SelfInfo:       selfNodeInfo(cfg, nodeID),
		Registry:       reg,
		Identity:       idProvider,
		Creds:          creds,
		Provisioning:   prov,
		Permissions:    perms,
		Audit:          audit,
		Bus:            bus,
		MaxNumServices: cfg.MaxNumServices,
		APIVersion:     apiVersion,
		Log:            log,
	})
	defer disp.Shutdown()

	publicMaterial, err := tlsserver.LoadMaterial(cfg.PublicCert, cfg.PublicKey, "")
	if err != nil {
		return fmt.Errorf("load public TLS material: %w", err)
	}
	protectedMaterial, err := tlsserver.LoadMaterial(cfg.ProtectedCert, cfg.ProtectedKey, cfg.CACert)
	if err != nil {
		return fmt.Errorf("load protected TLS material: %w", err)
	}

	limiter := buildLimiter(cfg)

	srv, err := rpcserver.New(rpcserver.Options{
		PublicAddr:        cfg.IAMPublicServerURL,
		ProtectedAddr:     cfg.IAMProtectedServerURL,
		PublicMaterial:    publicMaterial,
		ProtectedMaterial: protectedMaterial,
		CertSource:        creds,
		Limiter:           limiter,
		Logger:            log,
	})
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}

	srv.RegisterPublic(func(r grpc.ServiceRegistrar) {
		iampb.RegisterVersionServer(r, disp)
		iampb.RegisterPublicIdentityServer(r, disp)
		iampb.RegisterPublicNodesServer(r, disp)
		iampb.RegisterPublicCertServer(r, disp)
		iampb.RegisterPublicPermissionsServer(r, disp)
	})
	srv.RegisterProtected(func(r grpc.ServiceRegistrar) {
		iampb.RegisterVersionServer(r, disp)
		iampb.RegisterNodesServer(r, disp)
		iampb.RegisterProvisioningServer(r, disp)
		iampb.RegisterCertificateServer(r, disp)
		iampb.RegisterPermissionsServer(r, disp)
	})

	watcher := certwatch.New(creds, srv, cfg.CertStorage, log)
	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	watcher.Start(watcherCtx)
	defer cancelWatcher()

	opsRouter := opshttp.New("iamserver", func(ctx context.Context) error { return nil })
	opsSrv := &opsHTTPServer{addr: cfg.OpsListenAddr, handler: opsRouter}
	go opsSrv.run(log)
	defer opsSrv.shutdown()

	c := cron.New()
	if _, err := c.AddFunc("@every 30s", disp.BroadcastHeartbeat); err != nil {
		return fmt.Errorf("schedule heartbeat job: %w", err)
	}
	if _, err := c.AddFunc("@daily", func() { checkCertExpiry(creds, log) }); err != nil {
		return fmt.Errorf("schedule cert expiry job: %w", err)
	}
	c.Start()
	defer c.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("iamserver listening", "public", cfg.IAMPublicServerURL, "protected", cfg.IAMProtectedServerURL)
	return srv.Serve(ctx)
}

func buildCredStore(cfg *config.ServerConfig) (*credstore.Store, error) {
	modules := make([]credstore.ModuleConfig, 0, len(cfg.CertModules))
	for _, m := range cfg.CertModules {
		params := m.Params
		if params == nil {
			params = map[string]interface{}{}
		}
		params["__disabled"] = m.Disabled
		modules = append(modules, credstore.ModuleConfig{
			ID:        m.ID,
			Plugin:    m.Plugin,
			Algorithm: m.Algorithm,
			MaxItems:  m.MaxItems,
			Params:    params,
		})
	}
	return credstore.New(modules, []byte(cfg.ProvisioningPasswordHash))
}

func buildGate(ctx context.Context, cfg *config.ServerConfig) (permstore.Gate, error) {
	if cfg.OPAPolicyPath == "" {
		return nil, nil
	}
	return permstore.NewOPAGate(ctx, cfg.OPAPolicyPath)
}

// buildLimiter shares a fixed per-minute budget across dispatcher replicas
// via Redis when cfg.RedisURL is configured, falling back to the
// in-process token bucket otherwise.
func buildLimiter(cfg *config.ServerConfig) rpcserver.Limiter {
	if cfg.RedisURL == "" {
		return rpcserver.NewLocalLimiter(cfg.RateLimitRPS, int(cfg.RateLimitRPS)+1)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return rpcserver.NewLocalLimiter(cfg.RateLimitRPS, int(cfg.RateLimitRPS)+1)
	}
	return rpcserver.NewRedisLimiter(redis.NewClient(opts), int(cfg.RateLimitRPS)*60)
}

func buildBus(cfg *config.ServerConfig) (eventbus.Bus, error) {
	switch cfg.EventBus {
	case "", "local":
		return eventbus.NewLocalBus(), nil
	case "nats":
		return eventbus.NewNatsBus(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unknown eventBus %q", cfg.EventBus)
	}
}

func selfNodeInfo(cfg *config.ServerConfig, nodeID string) iampb.NodeInfo {
	attrs := cfg.NodeInfo.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["MainNode"] = "true"
	return iampb.NodeInfo{
		NodeID:   nodeID,
		NodeType: cfg.NodeInfo.NodeType,
		Name:     cfg.NodeInfo.NodeName,
		OSType:   cfg.NodeInfo.OSType,
		Attrs:    attrs,
		MaxDMIPS: uint64(cfg.NodeInfo.MaxDMIPS),
	}
}

func runCmdHook(args []string) func() error {
	if len(args) == 0 {
		return nil
	}
	return func() error {
		cmd := exec.Command(args[0], args[1:]...)
		return cmd.Run()
	}
}

func checkCertExpiry(creds *credstore.Store, log *slog.Logger) {
	const warnWindow = 14 * 24 * time.Hour
	for _, certType := range creds.ListTypes() {
		info, err := creds.GetCert(certType)
		if err != nil {
			continue
		}
		if time.Until(info.NotAfter) < warnWindow {
			log.Warn("certificate nearing expiry", "type", certType, "not_after", info.NotAfter)
		}
	}
}

// opsHTTPServer owns the /healthz, /readyz, /metrics listener lifecycle
// separately from the gRPC endpoints rpcserver.Server manages.
type opsHTTPServer struct {
	addr    string
	handler http.Handler
	srv     *http.Server
}

func (o *opsHTTPServer) run(log *slog.Logger) {
	o.srv = &http.Server{Addr: o.addr, Handler: o.handler}
	if err := o.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("ops http server failed", "error", err)
	}
}

func (o *opsHTTPServer) shutdown() {
	if o.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.srv.Shutdown(ctx)
}

