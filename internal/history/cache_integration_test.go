//go:build integration

package history

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"storeops/internal/catalog"
	"storeops/internal/tracking/models"
	"storeops/internal/tracking/store/memory"
	"storeops/pkg/testutil/containers"
)

// =============================================================================
// Redis Cache Integration Suite
// =============================================================================
// Justification for integration tests: replicas share history views through
// Redis. Only a real server shows that a view built by one service is served
// by another without a store scan, and that keys expire.

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	ctx   context.Context
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.ctx = context.Background()
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisCacheSuite) TestGetSetDelete() {
	c := NewRedisCache(s.redis.Client)

	_, ok, err := c.Get(s.ctx, "missing")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(c.Set(s.ctx, "k", []byte(`{"a":1}`), time.Minute))
	raw, ok, err := c.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.True(ok)
	s.JSONEq(`{"a":1}`, string(raw))

	ttl, err := s.redis.Client.TTL(s.ctx, "k").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))

	s.Require().NoError(c.Delete(s.ctx, "k"))
	_, ok, err = c.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisCacheSuite) TestReplicasShareViews() {
	backing := memory.NewInMemoryStore()
	rec := models.NewEmptyRecord(models.Key("daily_checklist:store-1:2026-03-05"))
	rec.Fields["a"] = true
	backing.Put(s.ctx, rec)

	cat, err := catalog.New(map[models.EntityKind][]catalog.Entry{
		models.KindDailyChecklist: {{ID: "a"}, {ID: "b"}},
	})
	s.Require().NoError(err)

	replica := func() (*Service, *countingStore) {
		store := &countingStore{RecordStore: backing}
		svc, err := New(store, cat,
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			WithCache(NewRedisCache(s.redis.Client)),
		)
		s.Require().NoError(err)
		return svc, store
	}
	first, firstStore := replica()
	second, secondStore := replica()

	end := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	built, err := first.Week(s.ctx, models.KindDailyChecklist, "store-1", end)
	s.Require().NoError(err)
	served, err := second.Week(s.ctx, models.KindDailyChecklist, "store-1", end)
	s.Require().NoError(err)

	s.Equal(int32(1), firstStore.scans.Load())
	s.Equal(int32(0), secondStore.scans.Load())
	s.Equal(built.Days, served.Days)
	s.InDelta(0.5, served.Days[3].Completion, 1e-9)
}
