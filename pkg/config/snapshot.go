package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultProbeAttempts is the number of reachability attempts made per check.
const DefaultProbeAttempts = 20

// TestConfig is the immutable parameter snapshot handed to one controller run.
type TestConfig struct {
	Host            string
	Loops           int
	IOTime          time.Duration
	PowerOffWait    time.Duration
	PowerOnWait     time.Duration
	ShutdownGrace   time.Duration
	LogPath         string
	IssueKeywords   []string
	CheckLogEnabled bool
	SafeMode        bool
	ProbeAttempts   int
}

// Validate re-checks the snapshot so a controller can fail fast on bad input.
func (t TestConfig) Validate() error {
	problems := make([]string, 0)
	if !ValidHost(t.Host) {
		problems = append(problems, fmt.Sprintf("host %q must be a dotted-quad IPv4 address", t.Host))
	}
	if t.Loops <= 0 {
		problems = append(problems, "loops must be greater than zero")
	}
	if t.IOTime < 0 || t.PowerOffWait < 0 || t.PowerOnWait < 0 || t.ShutdownGrace < 0 {
		problems = append(problems, "wait durations must be non-negative")
	}
	if t.CheckLogEnabled && strings.TrimSpace(t.LogPath) == "" {
		problems = append(problems, "log path is required when log checking is enabled")
	}
	if t.ProbeAttempts < 0 {
		problems = append(problems, "probe attempts must be non-negative")
	}
	for i, kw := range t.IssueKeywords {
		if strings.TrimSpace(kw) == "" || kw != strings.TrimSpace(kw) {
			problems = append(problems, fmt.Sprintf("issue keyword %d must be trimmed and non-empty", i))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Attempts returns the reachability attempt budget, falling back to the default.
func (t TestConfig) Attempts() int {
	if t.ProbeAttempts <= 0 {
		return DefaultProbeAttempts
	}
	return t.ProbeAttempts
}

// Clone returns a copy whose keyword slice does not alias the receiver's.
func (t TestConfig) Clone() TestConfig {
	clone := t
	if t.IssueKeywords != nil {
		clone.IssueKeywords = append([]string(nil), t.IssueKeywords...)
	}
	return clone
}
