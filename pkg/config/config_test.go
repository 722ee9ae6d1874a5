package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `host: 192.168.1.100
loops: 100
io_time_sec: 60
power_off_wait_sec: 10
power_on_wait_sec: 60
log_path: /var/log/serial.log
issue_keywords: "Kernel panic, ,MCE ,"
check_log_enabled: true
power:
  on_command: ["/usr/local/bin/power_control", "on"]
  off_command: ["/usr/local/bin/power_control", "off"]
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.Host != "192.168.1.100" {
		t.Fatalf("unexpected host: %s", cfg.Host)
	}
	if cfg.Probe.Method != ProbeMethodPing {
		t.Fatalf("expected default probe method ping, got %q", cfg.Probe.Method)
	}
	if cfg.Probe.Attempts != 20 {
		t.Fatalf("expected default probe attempts 20, got %d", cfg.Probe.Attempts)
	}
	if cfg.ShutdownGraceSec != 30 {
		t.Fatalf("expected default shutdown grace 30, got %d", cfg.ShutdownGraceSec)
	}
	if cfg.LogFile != "powercycle.log" {
		t.Fatalf("unexpected default log file: %s", cfg.LogFile)
	}

	snap := cfg.Snapshot()
	if snap.PowerOnWait != 60*time.Second {
		t.Fatalf("expected power on wait 60s, got %s", snap.PowerOnWait)
	}
	if len(snap.IssueKeywords) != 2 || snap.IssueKeywords[0] != "Kernel panic" || snap.IssueKeywords[1] != "MCE" {
		t.Fatalf("unexpected keywords: %q", snap.IssueKeywords)
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("expected snapshot to validate, got %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	yaml := `host: 10.0.0.1
loops: 1
relay_port: COM3
`
	if _, err := decode(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateDetectsMissingFields(t *testing.T) {
	yaml := `host: "300.1.1.1"
loops: 0
io_time_sec: -1
check_log_enabled: true
safe_mode: true
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"host", "loops", "io_time_sec", "log_path", "on_command", "shutdown_command"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected a problem mentioning %q, got:\n%s", want, joined)
		}
	}
}

func TestValidHost(t *testing.T) {
	cases := map[string]bool{
		"192.168.1.100":   true,
		"0.0.0.0":         true,
		"255.255.255.255": true,
		"010.1.1.1":       true,
		"256.1.1.1":       false,
		"1.1.1":           false,
		"1.1.1.1.1":       false,
		"a.b.c.d":         false,
		"1..1.1":          false,
		"-1.1.1.1":        false,
		"1.1.1.1 ":        false,
		"1000.1.1.1":      false,
	}
	for host, want := range cases {
		if got := ValidHost(host); got != want {
			t.Fatalf("ValidHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestProbeMethodValidation(t *testing.T) {
	cfg := Config{
		Host:  "10.0.0.1",
		Loops: 1,
		Power: PowerConfig{
			OnCommand:  []string{"/bin/true"},
			OffCommand: []string{"/bin/true"},
		},
	}
	cfg.applyDefaults()
	cfg.Probe.Method = ProbeMethodTCP
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail for tcp probe without port")
	}
	cfg.Probe.Port = 22
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	cfg.Probe.Method = "icmp-raw"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail for unsupported probe method")
	}
}

func TestRunLockValidation(t *testing.T) {
	cfg := Config{
		Host:  "10.0.0.1",
		Loops: 1,
		Power: PowerConfig{
			OnCommand:  []string{"/bin/true"},
			OffCommand: []string{"/bin/true"},
		},
		RunLock: RunLockConfig{Enabled: true},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected run lock without endpoints to fail validation")
	}
	cfg.RunLock.EtcdEndpoints = []string{"127.0.0.1:2379"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if got := cfg.RunLockKey(); got != "/powercycled/targets/10.0.0.1" {
		t.Fatalf("unexpected lock key: %s", got)
	}
}

func TestSnapshotDoesNotAlias(t *testing.T) {
	snap := TestConfig{Host: "10.0.0.1", Loops: 1, IssueKeywords: []string{"panic"}}
	clone := snap.Clone()
	clone.IssueKeywords[0] = "changed"
	if snap.IssueKeywords[0] != "panic" {
		t.Fatal("expected clone to copy keyword slice")
	}
}

func TestSnapshotValidateRejectsUntrimmedKeywords(t *testing.T) {
	snap := TestConfig{Host: "10.0.0.1", Loops: 1, IssueKeywords: []string{" panic"}}
	if err := snap.Validate(); err == nil {
		t.Fatal("expected untrimmed keyword to be rejected")
	}
	if snap.Attempts() != DefaultProbeAttempts {
		t.Fatalf("expected default attempts, got %d", snap.Attempts())
	}
}
