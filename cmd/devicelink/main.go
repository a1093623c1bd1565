// devicelink - MQTT device session daemon
//
// devicelink keeps one authenticated MQTT session open for a device,
// subscribes to its command topic, and survives connection interruptions by
// replaying its subscriptions whenever the broker forgot them. It runs until
// SIGINT/SIGTERM or until the session fails in a way it cannot recover from.
//
// Received messages and session events are journalled to SQLite; decoded
// telemetry can additionally be forwarded to InfluxDB, and a local status API
// reports connection and subscription state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/api"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/influxdb"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/logging"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/journal"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/lifecycle"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// pruneInterval is how often the journal is trimmed to the retention window.
const pruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a signal-initiated shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devicelink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	mqtt.BridgePahoLogging(log.With("component", "paho"), cfg.MQTT.Debug)

	// Journal
	store, err := journal.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() {
		log.Info("closing journal")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing journal", "error", closeErr)
		}
	}()
	log.Info("journal opened", "path", cfg.Database.Path)

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go pruneJournal(pruneCtx, store, time.Duration(cfg.Database.Retention)*time.Hour, log)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT session
	identity := mqtt.NewIdentity(cfg.Device, cfg.MQTT)
	session := mqtt.NewSession(identity, cfg.MQTT, log.With("component", "mqtt"))
	recorder := journal.NewRecorder(store, identity.ClientID, log)
	observeSession(session, recorder, influxClient, cfg.Device.Name, log)

	commands := telemetry.NewCommandHandler(recorder, log.With("component", "commands"))
	var writer telemetry.ReadingWriter
	if influxClient != nil {
		writer = influxClient
	}
	sink := telemetry.NewSink(cfg.Device.Name, writer, recorder, log.With("component", "telemetry"))

	bindings := []binding{{filter: cfg.Topics.Commands, handler: commands.Handle}}
	if cfg.Topics.SubscribeTelemetry && cfg.Topics.Telemetry != "" {
		bindings = append(bindings, binding{filter: cfg.Topics.Telemetry, handler: sink.Handle})
	}

	controller := lifecycle.New(session, lifecycle.Config{
		Setup: func(context.Context) error {
			// #nosec G115 -- qos validated to 0..2 by config
			return subscribeAll(session, bindings, byte(cfg.MQTT.QoS), cfg.MQTT.OperationTimeout(), log)
		},
		ShutdownTimeout: cfg.GetShutdownTimeout(),
		OnStateChange:   recorder.LifecycleChanged,
	}, log.With("component", "lifecycle"))

	// Status API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log.With("component", "api"),
			Session:    session,
			Lifecycle:  controller,
			Journal:    store,
			Components: healthComponents(store, influxClient),
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("devicelink started",
		"client_id", identity.ClientID,
		"broker", identity.Address(),
		"commands_topic", cfg.Topics.Commands,
	)

	if err := controller.Run(ctx); err != nil {
		return err
	}

	log.Info("devicelink stopped", "reason", string(controller.Reason()))
	return nil
}

// getConfigPath returns the configuration file path.
// Checks DEVICELINK_CONFIG environment variable first, then uses default.
func getConfigPath() string {
	if path := os.Getenv("DEVICELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthComponents lists the supporting components /api/v1/health reports.
// The InfluxDB sink is listed only when it is connected.
func healthComponents(store api.HealthChecker, influxClient *influxdb.Client) map[string]api.HealthChecker {
	components := map[string]api.HealthChecker{"journal": store}
	if influxClient != nil {
		components["influxdb"] = influxClient
	}
	return components
}

// binding pairs a topic filter with its handler.
type binding struct {
	filter  string
	handler mqtt.MessageHandler
}

// subscriber registers topic handlers. *mqtt.Session implements it.
type subscriber interface {
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) (*mqtt.PendingOp, error)
}

// subscribeAll registers every binding and waits for each SUBACK.
// A rejected or unacknowledged subscription fails setup.
func subscribeAll(s subscriber, bindings []binding, qos byte, timeout time.Duration, log *logging.Logger) error {
	for _, b := range bindings {
		op, err := s.Subscribe(b.filter, qos, b.handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", b.filter, err)
		}
		res, err := op.Await(timeout)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", b.filter, err)
		}
		log.Info("subscribed", "topic", b.filter, "granted_qos", res.GrantedQoS)
	}
	return nil
}

// observeSession routes session callbacks into the journal and, when
// configured, InfluxDB.
func observeSession(session *mqtt.Session, recorder *journal.Recorder, influxClient *influxdb.Client, device string, log *logging.Logger) {
	clientID := session.Identity().ClientID

	session.SetOnStateChange(func(c mqtt.StateChange) {
		recorder.StateChanged(c)
		if influxClient != nil {
			influxClient.WriteSessionEvent(device, clientID, string(c.To), c.At)
		}
	})
	session.SetOnReplay(func(rep mqtt.ReplayReport) {
		recorder.ReplayCompleted(rep)
		if rep.Fatal {
			log.Error("subscription replay rejected", "rejected", rep.Rejected)
		}
	})
	session.SetOnHandlerError(recorder.HandlerFailed)
}

// pruneJournal trims journal rows older than retention until ctx is done.
// A zero retention keeps everything.
func pruneJournal(ctx context.Context, store *journal.Store, retention time.Duration, log *logging.Logger) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Warn("journal prune failed", "error", err)
		case n > 0:
			log.Info("journal pruned", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
