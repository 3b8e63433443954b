package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/buckhoff/stabilityfund/native/stability"
	"github.com/buckhoff/stabilityfund/observability"
	"github.com/buckhoff/stabilityfund/observability/logging"
	telemetry "github.com/buckhoff/stabilityfund/observability/otel"
	"github.com/buckhoff/stabilityfund/services/stabilityd/config"
	"github.com/buckhoff/stabilityfund/services/stabilityd/oracle"
	"github.com/buckhoff/stabilityfund/services/stabilityd/server"
	"github.com/buckhoff/stabilityfund/services/stabilityd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/stabilityd/config.yaml", "path to stabilityd configuration file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("stabilityd: %v", err)
	}
}

func run(cfgPath string) error {
	env := strings.TrimSpace(os.Getenv("STABILITY_ENV"))
	logger := logging.Setup("stabilityd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	sampleRatio := 0.0
	if value := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			sampleRatio = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "stabilityd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
		SampleRatio: sampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	params, err := config.LoadParams(cfg.ParamsPath)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}

	dsn, err := storage.LedgerDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve storage DSN: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	roles := stability.NewRoles()
	if err := grantRoles(roles, cfg.Roles); err != nil {
		return fmt.Errorf("configure roles: %w", err)
	}
	updater, err := parseAddress(cfg.Oracle.Updater)
	if err != nil {
		return fmt.Errorf("parse oracle updater: %w", err)
	}
	roles.Grant(stability.CapabilityOracleUpdater, updater)

	engineLog := logging.Component(logger, "engine")
	engine, err := stability.NewEngine(store, params, chainSupply{}, roles,
		stability.WithEmitter(func(evt *stability.Event) {
			if evt == nil {
				return
			}
			observability.Events().RecordEvent(evt.Type)
			engineLog.Info("engine event", "type", evt.Type)
		}),
		stability.WithNotifyErrorHandler(func(err error) {
			engineLog.Warn("settlement notification failed", "error", err.Error())
		}),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Initialize(nil); err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}

	feeds, err := buildFeeds(cfg.Sources)
	if err != nil {
		return fmt.Errorf("build feeds: %w", err)
	}
	mgr, err := oracle.New(engine, store, feeds, cfg.TokenSymbol, updater,
		cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logging.Component(logger, "oracle")), oracle.WithMetrics(observability.Oracle()))
	if err != nil {
		return fmt.Errorf("oracle manager: %w", err)
	}

	auth, err := server.NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		TLS: server.TLSConfig{
			CertFile: cfg.Admin.TLS.CertPath,
			KeyFile:  cfg.Admin.TLS.KeyPath,
		},
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.Admin.RateLimit.RequestsPerSecond,
			Burst:             cfg.Admin.RateLimit.Burst,
		},
	}, engine, logging.Component(logger, "server"), auth, server.WithMetrics(observability.Fund()))
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("stabilityd: oracle manager exited: %v", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func grantRoles(roles *stability.Roles, cfg config.RolesConfig) error {
	grants := []struct {
		capability stability.Capability
		addresses  []string
	}{
		{stability.CapabilityOracleUpdater, cfg.OracleUpdaters},
		{stability.CapabilityReserveManager, cfg.ReserveManagers},
		{stability.CapabilityBurner, cfg.Burners},
		{stability.CapabilityGuardian, cfg.Guardians},
		{stability.CapabilityRiskOfficer, cfg.RiskOfficers},
	}
	for _, grant := range grants {
		for _, raw := range grant.addresses {
			addr, err := parseAddress(raw)
			if err != nil {
				return fmt.Errorf("capability %s: %w", grant.capability, err)
			}
			roles.Grant(grant.capability, addr)
		}
	}
	return nil
}

func buildFeeds(sources []config.Source) ([]oracle.Feed, error) {
	feeds := make([]oracle.Feed, 0, len(sources))
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		switch strings.ToLower(strings.TrimSpace(src.Type)) {
		case "coingecko":
			feeds = append(feeds, oracle.Feed{
				Name:   name,
				Source: stability.NewCoinGeckoFeed(nil, src.Endpoint, src.Assets),
			})
		case "manual":
			feed := stability.NewManualFeed()
			if rate := strings.TrimSpace(src.Rate); rate != "" {
				for symbol := range src.Assets {
					if err := feed.SetDecimal(symbol, rate, time.Now()); err != nil {
						return nil, fmt.Errorf("source %s: %w", name, err)
					}
				}
			}
			feeds = append(feeds, oracle.Feed{Name: name, Source: feed})
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", name, src.Type)
		}
	}
	return feeds, nil
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", raw)
	}
	return [20]byte(ethcommon.HexToAddress(trimmed)), nil
}

// chainSupply reads the circulating token supply. Until the token bridge is
// deployed the supply is sourced from the STABILITY_SUPPLY_WEI environment
// override; an empty override reports zero supply, which disables the
// ratio-based breaker checks.
type chainSupply struct{}

func (chainSupply) CirculatingSupply() (*big.Int, error) {
	raw := strings.TrimSpace(os.Getenv("STABILITY_SUPPLY_WEI"))
	if raw == "" {
		return big.NewInt(0), nil
	}
	supply, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid STABILITY_SUPPLY_WEI %q", raw)
	}
	return supply, nil
}
