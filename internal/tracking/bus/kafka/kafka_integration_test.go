//go:build integration

package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"storeops/internal/tracking/bus"
	"storeops/internal/tracking/models"
	"storeops/pkg/testutil/containers"
)

type recorder struct {
	mu       sync.Mutex
	events   []models.ChangeEvent
	statuses []models.Status
}

func (r *recorder) HandleEvent(e models.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) HandleStatus(s models.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type KafkaBusSuite struct {
	suite.Suite
	kafka *containers.KafkaContainer
}

func TestKafkaBusSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaBusSuite))
}

func (s *KafkaBusSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())
}

func (s *KafkaBusSuite) TestRoundTripIntoHub() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	topic := "storeops.test-changes"
	s.Require().NoError(EnsureTopic(ctx, s.kafka.Brokers, topic, 3))
	s.Require().NoError(EnsureTopic(ctx, s.kafka.Brokers, topic, 3), "creating twice is fine")

	hub := bus.NewHub()
	defer hub.Close()
	rec := &recorder{}
	sub, err := hub.Subscribe(models.KindDailyChecklist,
		models.ScopeFilter{StoreID: "store-1"}, rec)
	s.Require().NoError(err)
	defer sub.Close()

	consumer, err := NewConsumer(s.kafka.Brokers, topic, NewChangeHandler(hub, nil),
		WithConsumerGroup("storeops-test"),
		WithStatusReporter(hub),
		WithHeartbeat(time.Second),
	)
	s.Require().NoError(err)
	done := make(chan error, 1)
	runCtx, stop := context.WithCancel(ctx)
	go func() { done <- consumer.Run(runCtx) }()

	producer, err := NewProducer(s.kafka.Brokers, topic)
	s.Require().NoError(err)
	defer producer.Close()

	key := models.Key("daily_checklist:store-1:2026-03-02")
	after := models.NewEmptyRecord(key)
	after.Fields["t1"] = true
	s.Require().NoError(producer.Publish(ctx, models.ChangeEvent{
		Kind: models.KindDailyChecklist, Op: models.OpInsert, Key: key, After: &after, Revision: 1,
	}))
	other := models.Key("daily_checklist:store-2:2026-03-02")
	otherRec := models.NewEmptyRecord(other)
	s.Require().NoError(producer.Publish(ctx, models.ChangeEvent{
		Kind: models.KindDailyChecklist, Op: models.OpInsert, Key: other, After: &otherRec, Revision: 2,
	}))

	s.Eventually(func() bool { return rec.count() == 1 }, 30*time.Second, 100*time.Millisecond)
	stop()
	s.NoError(<-done)
}
