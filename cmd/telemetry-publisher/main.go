// telemetry-publisher - sample telemetry publisher
//
// telemetry-publisher connects with its own client identity, publishes a
// fixed number of temperature/humidity readings at one second intervals and
// disconnects. It shares the session and lifecycle machinery with devicelink,
// so a broker interruption while publishing is survived the same way.
//
// Usage:
//
//	telemetry-publisher -endpoint broker.example.com -topic test/commands -count 10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/logging"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/journal"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/lifecycle"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/telemetry"
)

// Version information - set at build time via ldflags
var version = "dev"

const (
	defaultClientPrefix = "test"
	defaultTopic        = "test/commands"
	defaultCount        = 10
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command line settings layered over the configuration.
type options struct {
	configPath   string
	endpoint     string
	clientPrefix string
	topic        string
	count        int
	journalPath  string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fsFlags := flag.NewFlagSet("telemetry-publisher", flag.ContinueOnError)
	fsFlags.SetOutput(output)
	fsFlags.StringVar(&opts.configPath, "config", os.Getenv("DEVICELINK_CONFIG"), "optional configuration file")
	fsFlags.StringVar(&opts.endpoint, "endpoint", "", "broker host, optionally host:port")
	fsFlags.StringVar(&opts.clientPrefix, "client-prefix", defaultClientPrefix, "client id prefix; a random suffix is appended")
	fsFlags.StringVar(&opts.topic, "topic", defaultTopic, "topic to publish readings to")
	fsFlags.IntVar(&opts.count, "count", defaultCount, "number of readings to publish")
	fsFlags.StringVar(&opts.journalPath, "journal", "", "optional SQLite journal recording each publish")

	if err := fsFlags.Parse(args); err != nil {
		return options{}, err
	}
	if fsFlags.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fsFlags.Args())
	}
	return opts, nil
}

// loadConfig reads the configuration file if one is given and exists, then
// applies the command line options and validates the result.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if opts.endpoint != "" {
		host, port, err := net.SplitHostPort(opts.endpoint)
		if err != nil {
			cfg.MQTT.Broker.Host = opts.endpoint
		} else {
			p, convErr := strconv.Atoi(port)
			if convErr != nil {
				return nil, fmt.Errorf("invalid endpoint port %q", port)
			}
			cfg.MQTT.Broker.Host = host
			cfg.MQTT.Broker.Port = p
		}
	}
	cfg.Device.ClientIDPrefix = opts.clientPrefix
	cfg.Device.ClientIDSuffix = mqtt.SuffixUUID
	cfg.Topics.Commands = opts.topic
	cfg.Telemetry.Count = opts.count
	if opts.journalPath != "" {
		cfg.Database.Path = opts.journalPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, output io.Writer) error {
	opts, err := parseFlags(args, output)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Logging, version)
	mqtt.BridgePahoLogging(log.With("component", "paho"), cfg.MQTT.Debug)

	identity := mqtt.NewIdentity(cfg.Device, cfg.MQTT)
	session := mqtt.NewSession(identity, cfg.MQTT, log.With("component", "mqtt"))

	// #nosec G115 -- qos validated to 0..2 by config
	publisher := telemetry.NewPublisher(telemetry.SessionTarget(session), telemetry.PublisherConfig{
		Topic:      opts.topic,
		QoS:        byte(cfg.MQTT.QoS),
		Count:      cfg.Telemetry.Count,
		Interval:   cfg.Telemetry.Interval(),
		AwaitAck:   cfg.Telemetry.AwaitAck,
		AckTimeout: cfg.MQTT.OperationTimeout(),
	}, nil, log.With("component", "publisher"))

	lcCfg := lifecycle.Config{
		Work: func(ctx context.Context) error {
			_, err := publisher.Run(ctx)
			return err
		},
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	}

	if opts.journalPath != "" {
		store, openErr := journal.Open(ctx, cfg.Database)
		if openErr != nil {
			return fmt.Errorf("opening journal: %w", openErr)
		}
		defer store.Close() //nolint:errcheck // Best effort on exit

		recorder := journal.NewRecorder(store, identity.ClientID, log)
		publisher.SetOnPublished(recorder.Published)
		session.SetOnStateChange(recorder.StateChanged)
		session.SetOnReplay(recorder.ReplayCompleted)
		lcCfg.OnStateChange = recorder.LifecycleChanged
	}

	log.Info("publishing telemetry",
		"client_id", identity.ClientID,
		"broker", identity.Address(),
		"topic", opts.topic,
		"count", cfg.Telemetry.Count,
	)

	controller := lifecycle.New(session, lcCfg, log.With("component", "lifecycle"))
	if err := controller.Run(ctx); err != nil {
		return err
	}

	log.Info("telemetry publisher stopped", "reason", string(controller.Reason()))
	return nil
}
