package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	cluehealth "goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/config"
	"github.com/toolgate-io/toolgate/connreg"
	"github.com/toolgate-io/toolgate/dispatch"
	"github.com/toolgate-io/toolgate/executor"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/specindex"
	"github.com/toolgate-io/toolgate/telemetry"
	"github.com/toolgate-io/toolgate/validate"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		specF   = flag.String("spec", "", "OpenAPI document path (overrides config)")
		addrF   = flag.String("addr", "", "Listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	// Flag overrides ride the same environment channel config.Load reads.
	if *specF != "" {
		os.Setenv("TOOLGATE_SPEC", *specF)
	}
	if *addrF != "" {
		os.Setenv("TOOLGATE_ADDR", *addrF)
	}
	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	dbg := *dbgF || cfg.Debug
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Addr}, log.KV{K: "spec", V: cfg.SpecPath})

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
	)

	// Build the tool registry from the OpenAPI document.
	data, err := os.ReadFile(cfg.SpecPath)
	if err != nil {
		log.Fatalf(ctx, err, "read OpenAPI document %q", cfg.SpecPath)
	}
	ix, err := specindex.Load(ctx, data)
	if err != nil {
		log.Fatalf(ctx, err, "load OpenAPI document %q", cfg.SpecPath)
	}
	reg, err := registry.FromIndex(ix, echoBind)
	if err != nil {
		log.Fatalf(ctx, err, "build tool registry")
	}
	val, err := validate.New(reg)
	if err != nil {
		log.Fatalf(ctx, err, "compile tool schemas")
	}
	log.Printf(ctx, "registered %d tools", reg.Len())

	gate, pingers := buildGate(cfg, logger)

	execOpts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithTracer(tracer),
		executor.WithMetrics(metrics),
	}
	if cfg.Stream.Buffer > 0 {
		execOpts = append(execOpts, executor.WithBuffer(cfg.Stream.Buffer))
	}
	exec := executor.New(execOpts...)

	d := dispatch.New(gate, reg, val, exec,
		dispatch.WithLogger(logger),
		dispatch.WithTracer(tracer),
		dispatch.WithMetrics(metrics),
	)

	connOpts := []connreg.Option{
		connreg.WithLogger(logger),
		connreg.WithMetrics(metrics),
	}
	if cfg.Connections.Timeout > 0 {
		connOpts = append(connOpts, connreg.WithTimeout(cfg.Connections.Timeout.Std()))
	}
	if cfg.Connections.SweepInterval > 0 {
		connOpts = append(connOpts, connreg.WithSweepInterval(cfg.Connections.SweepInterval.Std()))
	}
	conns := connreg.New(connOpts...)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the service
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Liveness sweeper evicts connections without a recent signal.
	wg.Add(1)
	go func() {
		defer wg.Done()
		conns.Run(ctx)
	}()

	handleHTTPServer(ctx, cfg, d, conns, pingers, &wg, errc, dbg)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}

// echoBind is the default handler binding. It acknowledges the call and
// echoes the validated arguments back as the result. Deployments bind real
// backends through registry.FromIndex instead.
func echoBind(op specindex.OperationDescriptor) registry.Handler {
	return func(ctx context.Context, inv *registry.Invocation, progress registry.ProgressFunc) (any, error) {
		if err := progress(ctx, map[string]any{"status": "accepted"}); err != nil {
			return nil, err
		}
		return map[string]any{
			"tool":       inv.Tool,
			"arguments":  inv.Arguments,
			"pathParams": inv.PathParams,
		}, nil
	}
}

// buildGate constructs the credential gate selected by the configuration,
// along with health pingers for any external dependency it brings in.
func buildGate(cfg config.Config, logger telemetry.Logger) (auth.Gate, []cluehealth.Pinger) {
	switch cfg.Auth.Mode {
	case "apikey":
		entries := make([]auth.APIKeyEntry, len(cfg.Auth.Keys))
		for i, k := range cfg.Auth.Keys {
			entries[i] = auth.APIKeyEntry{Key: k.Key, Subject: k.Subject, Scopes: k.Scopes}
		}
		return auth.NewAPIKeyGate(entries), nil
	case "introspection":
		opts := []auth.IntrospectionOption{auth.WithIntrospectionLogger(logger)}
		var pingers []cluehealth.Pinger
		if cfg.Auth.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
			opts = append(opts, auth.WithIntrospectionCache(rdb, time.Minute))
			pingers = append(pingers, redisPinger{rdb})
		}
		return auth.NewIntrospectionGate(cfg.Auth.IntrospectionURL, opts...), pingers
	default:
		// Config validation only lets bearer through here.
		return auth.NewBearerGate([]byte(cfg.Auth.Secret)), nil
	}
}

// redisPinger reports introspection cache reachability to the health checker.
type redisPinger struct {
	c *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }
