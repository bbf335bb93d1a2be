// lumend runs the compositing engine as a long-lived service. It loads a
// config file, opens the configured devices, joins the session transport,
// and serves the HTTP control surface until interrupted. Edits to the
// config file retune the running loops without a restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	lumen "github.com/audiolux/lumen"
	"github.com/audiolux/lumen/config"
	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/device"
	"github.com/audiolux/lumen/engine"
	"github.com/audiolux/lumen/httpapi"
	"github.com/audiolux/lumen/journal"
	"github.com/audiolux/lumen/logging"
	"github.com/audiolux/lumen/metrics"
	"github.com/audiolux/lumen/session"
	"github.com/audiolux/lumen/transport"
)

const (
	shutdownTimeout    = 10 * time.Second
	mqttConnectTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "lumen.toml", "path to the config file")
	envFile := flag.String("env-file", "", "env file loaded before the config (default .env when present)")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "lumend:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
	} else if err := config.LoadEnvFile(); err != nil {
		return err
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	log := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, false)

	descs := make([]core.DeviceDescriptor, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		desc, err := d.Descriptor()
		if err != nil {
			return err
		}
		descs = append(descs, desc)
	}
	if len(descs) == 0 {
		log.Warn("No devices configured, producers will stay unrouted")
	}
	driver := device.NewMemoryDriver(descs...)

	var hub session.Transport
	if cfg.MQTT.Enabled {
		mq := transport.NewMQTT(cfg.MQTT.Broker,
			transport.WithClientID(cfg.MQTT.ClientID),
			transport.WithTopicPrefix(cfg.MQTT.TopicPrefix),
			transport.WithQoS(byte(cfg.MQTT.QoS)),
			transport.WithCredentials(cfg.MQTT.Username, cfg.MQTT.Password),
			transport.WithMQTTLogger(log),
		)
		connectCtx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
		err := mq.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		defer mq.Close()
		hub = mq
	} else {
		hub = transport.NewLoopbackHub()
	}

	met := metrics.New()

	opts := []func(*lumen.Options){
		lumen.WithEngineConfig(engine.Config{
			RouteDebounce:   cfg.Engine.RouteDebounce(),
			TickInterval:    cfg.Engine.TickInterval(),
			StallTimeout:    cfg.Engine.StallTimeout(),
			ConditionBuffer: cfg.Engine.ConditionBuffer,
		}),
		lumen.WithIncompatiblePolicy(cfg.Engine.IncompatiblePolicy()),
		lumen.WithSessionTuning(cfg.Session.BufferWindow(), cfg.Session.CoalesceWindow(), cfg.Session.MaxDeltasPerSecond),
		lumen.WithTransport(hub),
		lumen.WithMetrics(met),
		lumen.WithLogger(log),
	}
	if cfg.Journal.Enabled {
		jnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("journal open: %w", err)
		}
		defer jnl.Close()
		opts = append(opts, lumen.WithJournal(jnl), lumen.WithStore(jnl))
	}

	l, err := lumen.New(driver, opts...)
	if err != nil {
		return err
	}

	if err := l.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			log.Error("Engine close error", "error", err)
		}
	}()

	// The condition stream never closes; the drain dies with the process.
	go func() {
		for c := range l.Conditions() {
			log.Warn("Condition raised", "condition", c.String())
		}
	}()

	loader.OnChange(func(next *config.Config) {
		l.Engine().ApplyTiming(engine.Config{
			RouteDebounce: next.Engine.RouteDebounce(),
			TickInterval:  next.Engine.TickInterval(),
			StallTimeout:  next.Engine.StallTimeout(),
		})
	})
	if err := loader.Watch(); err != nil {
		log.Warn("Config watch unavailable", "error", err)
	} else {
		go func() {
			for err := range loader.Errors() {
				log.Error("Config reload rejected", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	var srv *http.Server
	if cfg.HTTP.Enabled {
		h := httpapi.NewHandler(l.Engine(), log, met)
		srv = &http.Server{Addr: cfg.HTTP.Listen, Handler: h.Routes()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()
	}

	log.Info("lumend started",
		"devices", len(descs),
		"mqtt", cfg.MQTT.Enabled,
		"journal", cfg.Journal.Enabled,
		"listen", cfg.HTTP.Listen,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		log.Error("HTTP server failed", "error", err)
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("HTTP shutdown error", "error", err)
		}
	}

	log.Info("lumend stopped")
	return nil
}
