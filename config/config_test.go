package config

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.StreamName != "task-queue" || c.ConsumerGroup != "worker-group" || c.MaxRetries != 3 {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.TaskTimeout != 30*time.Minute || c.ScanPeriod != 5*time.Minute || c.HeartbeatPeriod != 30*time.Second {
		t.Fatalf("unexpected periods %+v", c)
	}
	if !strings.HasPrefix(c.WorkerID, "worker-") || c.Consumer() != c.WorkerID {
		t.Fatalf("worker id = %q consumer = %q", c.WorkerID, c.Consumer())
	}
}

func TestFromEnv(t *testing.T) {
	c, err := fromLookup(lookupFrom(map[string]string{
		"TASKQ_STREAM":         "jobs",
		"TASKQ_CONSUMER":       "c1",
		"TASKQ_BATCH_SIZE":     "25",
		"TASKQ_TASK_TIMEOUT":   "10m",
		"TASKQ_STORE":          "redis",
		"TASKQ_API_TOKENS":     "abc:alice, root:*",
		"TASKQ_CLAIM_MIN_IDLE": "0s",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if c.StreamName != "jobs" || c.BatchSize != 25 || c.TaskTimeout != 10*time.Minute || c.StoreBackend != "redis" {
		t.Fatalf("env not applied: %+v", c)
	}
	if c.Consumer() != "c1" || c.ClaimMinIdle != 0 {
		t.Fatalf("consumer = %q claim = %v", c.Consumer(), c.ClaimMinIdle)
	}
	if c.APITokens["abc"] != "alice" || c.APITokens["root"] != AdminOwner {
		t.Fatalf("tokens = %v", c.APITokens)
	}
}

func TestFromEnvMalformed(t *testing.T) {
	for key, val := range map[string]string{
		"TASKQ_BATCH_SIZE":    "ten",
		"TASKQ_SCAN_PERIOD":   "often",
		"TASKQ_API_TOKENS":    "no-owner",
		"TASKQ_REDIS_DB":      "1.5",
		"TASKQ_BLOCK_TIMEOUT": "5",
	} {
		if _, err := fromLookup(lookupFrom(map[string]string{key: val})); err == nil {
			t.Errorf("%s=%q: expected error", key, val)
		}
	}
}

func TestFlagsOverride(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"-batch-size", "3", "-store", "memory", "-tokens", "t1:bob", "-max-retries", "5"}); err != nil {
		t.Fatal(err)
	}
	if c.BatchSize != 3 || c.StoreBackend != "memory" || c.MaxRetries != 5 || c.APITokens["t1"] != "bob" {
		t.Fatalf("flags not applied: %+v", c)
	}
	if c.StreamName != "task-queue" {
		t.Fatalf("untouched flag changed: %q", c.StreamName)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"batch size":   func(c *Config) { c.BatchSize = 0 },
		"heartbeat":    func(c *Config) { c.HeartbeatPeriod = 0 },
		"timeout":      func(c *Config) { c.TaskTimeout = -time.Second },
		"max retries":  func(c *Config) { c.MaxRetries = 0 },
		"backend":      func(c *Config) { c.StoreBackend = "cassandra" },
		"path":         func(c *Config) { c.StoreBackend = "bolt"; c.StorePath = "" },
		"stream":       func(c *Config) { c.StreamName = "" },
		"embedded":     func(c *Config) { c.EmbeddedWorkers = -1 },
		"claim period": func(c *Config) { c.ClaimPeriod = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
