package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/efibridge/internal/bridge"
	"github.com/shaunagostinho/efibridge/internal/config"
	"github.com/shaunagostinho/efibridge/internal/ecu"
	"github.com/shaunagostinho/efibridge/internal/events"
	"github.com/shaunagostinho/efibridge/internal/logging"
	"github.com/shaunagostinho/efibridge/internal/plugin"
	"github.com/shaunagostinho/efibridge/internal/server"
	"github.com/shaunagostinho/efibridge/internal/viz"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run every ECU against the built-in simulator")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	logs := logging.NewManager()
	defer logs.Close()
	log := logs.Logger("main")

	cfg := config.LoadConfig(*configPath, logs.Logger("config"))
	if *demo {
		for i := range cfg.ECUs {
			cfg.ECUs[i].Port = "sim"
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := logs.Configure(cfg.Logging); err != nil {
		log.Warn().Err(err).Msg("logging config rejected, keeping defaults")
	}
	log = logs.Logger("main")
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("config has problems")
	}
	log.Info().Str("config", cfg.Path()).Msg("efibridge starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	bus := events.New(0, logs.Logger("events"))
	defer bus.Close()
	registry := plugin.NewRegistry()

	// ECU backends. Each one connects and reconnects on its own, so the
	// server comes up regardless of link state.
	var backends []*ecu.Backend
	for _, ec := range cfg.ECUs {
		b := ecu.NewBackend(ec.Name, ec.ConnectionConfig, ecu.ControllerOptions{
			Log: logs.Logger("ecu").With().Str("ecu", ec.Name).Logger(),
			Bus: bus,
		})
		if err := registry.Register(ec.Name, plugin.TypeECU, b); err != nil {
			log.Error().Err(err).Str("ecu", ec.Name).Msg("register ecu")
			continue
		}
		if err := b.Start(ctx); err != nil {
			log.Warn().Err(err).Str("ecu", ec.Name).Msg("initial connect failed")
		}
		backends = append(backends, b)
	}
	defer func() {
		for _, b := range backends {
			b.Stop()
		}
	}()

	// Visualization backends.
	var sinks []plugin.Visualization
	var hub *viz.Hub
	if cfg.Visualization.WebSocket.Enabled {
		hub = viz.NewHub(viz.NewStore(cfg.Visualization.WebSocket.PointsPerSeries), logs.Logger("ws"))
		defer hub.Close()
		if register(log, registry, config.PluginDashboard, hub) {
			sinks = append(sinks, hub)
		}
	}

	var mqttPub *viz.MQTTPublisher
	if cfg.Visualization.MQTT.Enabled {
		p, err := viz.NewMQTTPublisher(cfg.Visualization.MQTT, logs.Logger("mqtt"))
		if err != nil {
			log.Error().Err(err).Msg("mqtt publisher disabled")
		} else {
			mqttPub = p
			defer p.Close()
			go connectWithRetry(ctx, logs.Logger("mqtt"), "MQTT", p.Connect)
			if register(log, registry, config.PluginMQTT, p) {
				sinks = append(sinks, p)
			}
		}
	}

	csv := viz.NewCSVRecorder(cfg.Visualization.CSV, logs.Logger("datalog"))
	defer csv.Close()
	if register(log, registry, config.PluginDatalog, csv) {
		sinks = append(sinks, csv)
	}

	for _, sink := range sinks {
		createCharts(log, cfg, sink)
	}

	br := bridge.New(registry, bridge.Options{
		ScanHz: cfg.Bridge.ScanHz,
		Log:    logs.Logger("bridge"),
		Bus:    bus,
	})
	for _, spec := range cfg.Bindings {
		if _, err := br.Bind(spec); err != nil {
			log.Error().Err(err).Msg("binding rejected")
		}
	}
	br.Start(ctx)
	defer br.Stop()

	srv := server.New(server.Options{
		Config:   cfg,
		Log:      logs.Logger("server"),
		Bridge:   br,
		Registry: registry,
		ECUs:     backends,
		Hub:      hub,
		MQTT:     mqttPub,
		Bus:      bus,
	})
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
	}
	cancel()
	log.Info().Msg("stopped")
}

func register(log zerolog.Logger, r *plugin.Registry, name string, v plugin.Visualization) bool {
	if err := r.Register(name, plugin.TypeVisualization, v); err != nil {
		log.Error().Err(err).Str("plugin", name).Msg("register visualization")
		return false
	}
	return true
}

// createCharts declares configured charts and series on sink, plus any
// chart or series a binding points at but the chart list leaves out.
func createCharts(log zerolog.Logger, cfg *config.Config, sink plugin.Visualization) {
	declared := make(map[string]bool)
	for _, c := range cfg.Charts {
		if err := sink.CreateChart(c.ID, c.Title, c.Kind); err != nil {
			log.Warn().Err(err).Str("chart", c.ID).Msg("create chart")
			continue
		}
		declared[c.ID] = true
		for _, s := range c.Series {
			if err := sink.AddDataSeries(c.ID, s.Name, s.Style); err != nil {
				log.Warn().Err(err).Str("chart", c.ID).Str("series", s.Name).Msg("add series")
			}
		}
	}
	for _, spec := range cfg.Bindings {
		if spec.Chart == "" || declared[spec.Chart] {
			continue
		}
		if err := sink.CreateChart(spec.Chart, spec.Chart, viz.KindLine); err != nil {
			log.Warn().Err(err).Str("chart", spec.Chart).Msg("create chart")
			continue
		}
		declared[spec.Chart] = true
	}
}

// connectWithRetry calls connect with exponential backoff, starting at 1s
// and capped at 60s, until it succeeds or ctx is done.
func connectWithRetry(ctx context.Context, log zerolog.Logger, name string, connect func(context.Context) error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	for attempt := 1; ; attempt++ {
		err := connect(ctx)
		if err == nil {
			log.Info().Int("attempt", attempt).Msgf("%s connected", name)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msgf("%s connect failed", name)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
