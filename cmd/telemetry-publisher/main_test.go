package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
)

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("DEVICELINK_CONFIG", "")

	opts, err := parseFlags(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.clientPrefix != "test" || opts.topic != "test/commands" || opts.count != 10 {
		t.Errorf("parseFlags() = %+v", opts)
	}
	if opts.endpoint != "" || opts.journalPath != "" || opts.configPath != "" {
		t.Errorf("parseFlags() optional values set: %+v", opts)
	}
}

func TestParseFlags_Overrides(t *testing.T) {
	opts, err := parseFlags([]string{
		"-endpoint", "broker.example.com",
		"-client-prefix", "bench",
		"-topic", "sensors/a",
		"-count", "3",
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.endpoint != "broker.example.com" || opts.clientPrefix != "bench" || opts.topic != "sensors/a" || opts.count != 3 {
		t.Errorf("parseFlags() = %+v", opts)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := parseFlags([]string{"-count", "many"}, &bytes.Buffer{}); err == nil {
		t.Error("parseFlags() accepted a non-numeric count")
	}
	if _, err := parseFlags([]string{"extra"}, &bytes.Buffer{}); err == nil {
		t.Error("parseFlags() accepted a positional argument")
	}
	if _, err := parseFlags([]string{"-h"}, &bytes.Buffer{}); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("parseFlags(-h) error = %v, want flag.ErrHelp", err)
	}
}

func TestLoadConfig_Endpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{endpoint: "broker.example.com", wantHost: "broker.example.com", wantPort: 8883},
		{endpoint: "127.0.0.1:1883", wantHost: "127.0.0.1", wantPort: 1883},
		{endpoint: "broker:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg, err := loadConfig(options{
				endpoint:     tt.endpoint,
				clientPrefix: "test",
				topic:        "test/commands",
				count:        10,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("loadConfig() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			if cfg.MQTT.Broker.Host != tt.wantHost || cfg.MQTT.Broker.Port != tt.wantPort {
				t.Errorf("broker = %s:%d, want %s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port, tt.wantHost, tt.wantPort)
			}
			if cfg.Device.ClientIDPrefix != "test" || cfg.Topics.Commands != "test/commands" || cfg.Telemetry.Count != 10 {
				t.Errorf("options not applied: %+v %+v %+v", cfg.Device, cfg.Topics, cfg.Telemetry)
			}
		})
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(options{
		configPath:   filepath.Join(t.TempDir(), "absent.yaml"),
		clientPrefix: "test",
		topic:        "test/commands",
	})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("qos = %d, want default 1", cfg.MQTT.QoS)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("mqtt: [not, a, map"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadConfig(options{configPath: path, clientPrefix: "test", topic: "t"}); err == nil {
		t.Error("loadConfig() accepted malformed YAML")
	}
}

func TestLoadConfig_NegativeCount(t *testing.T) {
	if _, err := loadConfig(options{clientPrefix: "test", topic: "t", count: -1}); err == nil {
		t.Error("loadConfig() accepted a negative count")
	}
}

func TestRun_ConnectRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mqtt:
  broker:
    tls: false
  timeouts:
    connect: 2
logging:
  level: error
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, []string{"-config", path, "-endpoint", "127.0.0.1:1", "-count", "1"}, &bytes.Buffer{})
	var cerr *mqtt.ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("run() error = %v, want *mqtt.ConnectError", err)
	}
}
