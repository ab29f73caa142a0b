// Command i3x-server wires a multi-source I3X server together and serves it
// over HTTP, analogous to the teacher's example/ demo mains: one concrete
// assembly of the library packages, not itself part of the reusable surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bittoy/i3x/aspectimpl"
	"github.com/bittoy/i3x/datasource"
	_ "github.com/bittoy/i3x/datasource/cncmock"
	_ "github.com/bittoy/i3x/datasource/mock"
	_ "github.com/bittoy/i3x/datasource/mqttsource"
	"github.com/bittoy/i3x/graph"
	"github.com/bittoy/i3x/multisource"
	"github.com/bittoy/i3x/server"
	"github.com/bittoy/i3x/subscription"
	"github.com/bittoy/i3x/types"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL (tcp://host:1883); omitted source is skipped if empty")
	debug := flag.Bool("debug", false, "enable verbose data-source update logging")
	historyCapacity := flag.Int("record-history-capacity", 256, "per-element record history ring buffer size")
	flag.Parse()

	logger := types.DefaultLogger()
	cfg := types.NewConfig(
		types.WithLogger(logger),
		types.WithDataSourceAspects(aspectimpl.NewMetrics("multisource"), aspectimpl.NewDebugLog(logger, *debug)),
		types.WithSubscriptionAspects(aspectimpl.NewSubscriptionValidator(logger)),
		types.WithRoutingAspects(aspectimpl.NewRoutingValidator()),
		types.WithRecordHistoryCapacity(*historyCapacity),
	)

	sourceConfigs := map[string]datasource.SourceConfig{
		"mock":     {Type: "mock", Config: nil},
		"cnc-mock": {Type: "cnc-mock", Config: nil},
	}
	if *mqttBroker != "" {
		sourceConfigs["mqtt"] = datasource.SourceConfig{
			Type: "mqtt",
			Config: map[string]any{
				"broker": *mqttBroker,
				"topics": []string{"i3x/#"},
			},
		}
	}

	built, err := datasource.BuildAll(sourceConfigs, map[string]any{
		"recordHistoryCapacity": cfg.RecordHistoryCapacity,
	})
	if err != nil {
		log.Fatalf("building data sources: %v", err)
	}

	// Declaration order fixes multisource's no-routing fallback order (design
	// §4.4); mock is tried first as the always-available backend, cnc-mock
	// second, mqtt (if configured) last since it depends on an external
	// broker being reachable.
	var sources []multisource.NamedSource
	for _, name := range []string{"mock", "cnc-mock", "mqtt"} {
		if ds, ok := built[name]; ok {
			sources = append(sources, multisource.NamedSource{Name: name, Source: ds})
		}
	}

	manager, err := multisource.NewManager(cfg.Logger, sources, multisource.RoutingTable{"primary": "mock"},
		cfg.RoutingAspects, cfg.DataSourceAspects)
	if err != nil {
		log.Fatalf("building multi-source manager: %v", err)
	}

	graphEngine := graph.New(manager)
	subsEngine := subscription.New(cfg.Logger, graphEngine, cfg.SubscriptionAspects...)

	dispatch := func(instance types.ObjectInstance, record types.Record) {
		start := time.Now()
		subsEngine.Dispatch(instance, record)
		aspectimpl.ObserveDispatch(start)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx, dispatch); err != nil {
		log.Fatalf("starting data sources: %v", err)
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.New(cfg.Logger, graphEngine, subsEngine),
	}

	go func() {
		logger.Printf("i3x-server: listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Printf("i3x-server: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("i3x-server: HTTP shutdown error: %v", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Printf("i3x-server: data source shutdown error: %v", err)
	}
}
