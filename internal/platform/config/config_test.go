package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("STOREOPS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("SYNC_AUDIT_THRESHOLD", "")

	cfg := FromEnv()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.InDelta(t, DefaultAuditThreshold, cfg.Sync.AuditThreshold, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.Sync.HeartbeatTimeout)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STOREOPS_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("SYNC_AUDIT_THRESHOLD", "0.1")
	t.Setenv("SYNC_RELOAD_INTERVAL", "5s")
	t.Setenv("SYNC_WORKERS", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.InDelta(t, 0.1, cfg.Sync.AuditThreshold, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Sync.ReloadInterval)
	assert.Equal(t, 8, cfg.Sync.Workers)
}
