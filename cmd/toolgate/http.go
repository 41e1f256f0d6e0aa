package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	cluehealth "goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/toolgate-io/toolgate/config"
	"github.com/toolgate-io/toolgate/connreg"
	"github.com/toolgate-io/toolgate/dispatch"
	"github.com/toolgate-io/toolgate/health"
	"github.com/toolgate-io/toolgate/telemetry"
	"github.com/toolgate-io/toolgate/transport/duplex"
	"github.com/toolgate-io/toolgate/transport/httprpc"
	"github.com/toolgate-io/toolgate/transport/push"
)

func handleHTTPServer(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher, conns *connreg.Registry, pingers []cluehealth.Pinger, wg *sync.WaitGroup, errc chan error, dbg bool) {
	logger := telemetry.NewClueLogger()

	// Build the service HTTP request multiplexer and mount debug and profiler
	// endpoints in debug mode.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			// Mount pprof handlers for memory profiling under /debug/pprof.
			debug.MountPprofHandlers(debug.Adapt(mux))
			// Mount /debug endpoint to enable or disable debug logs at runtime.
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}

	// One transport adapter per caller style, all sharing the dispatcher.
	rpcServer := httprpc.New(d, httprpc.WithLogger(logger))
	pushServer := push.New(d, push.WithLogger(logger))
	duplexOpts := []duplex.Option{duplex.WithLogger(logger)}
	if cfg.Duplex.PingInterval > 0 {
		duplexOpts = append(duplexOpts, duplex.WithPingInterval(cfg.Duplex.PingInterval.Std()))
	}
	if cfg.Duplex.WriteTimeout > 0 {
		duplexOpts = append(duplexOpts, duplex.WithWriteTimeout(cfg.Duplex.WriteTimeout.Std()))
	}
	if cfg.Duplex.FrameRate > 0 {
		duplexOpts = append(duplexOpts, duplex.WithRateLimit(cfg.Duplex.FrameRate, cfg.Duplex.FrameBurst))
	}
	duplexServer := duplex.New(d, conns, duplexOpts...)
	healthServer := health.New(d.Registry(), conns, []string{"http", "sse", "websocket"}, pingers...)

	rpcServer.Mount(mux)
	pushServer.Mount(mux)
	duplexServer.Mount(mux)
	healthServer.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range []string{
		"POST /invoke",
		"GET /tools",
		"POST /stream",
		"GET /ws",
		"GET /healthz",
	} {
		log.Printf(ctx, "HTTP mounted on %s", m)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.Addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
