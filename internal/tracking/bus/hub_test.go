package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storeops/internal/tracking/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	events   chan models.ChangeEvent
	statuses chan models.Status
}

func newRecorder() *recorder {
	return &recorder{
		events:   make(chan models.ChangeEvent, 16),
		statuses: make(chan models.Status, 16),
	}
}

func (r *recorder) HandleEvent(e models.ChangeEvent) { r.events <- e }
func (r *recorder) HandleStatus(s models.Status)     { r.statuses <- s }

func (r *recorder) nextEvent(t *testing.T) models.ChangeEvent {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.ChangeEvent{}
}

func (r *recorder) nextStatus(t *testing.T) models.Status {
	t.Helper()
	select {
	case s := <-r.statuses:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status")
	}
	return ""
}

func event(key models.Key, rev uint64) models.ChangeEvent {
	rec := models.NewEmptyRecord(key)
	rec.Revision = rev
	return models.ChangeEvent{Op: models.OpUpdate, Key: key, After: &rec, Revision: rev}
}

func TestHub_DeliversInOrderWithinScope(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	rec := newRecorder()
	sub, err := hub.Subscribe(models.KindDailyChecklist, models.ScopeFilter{StoreID: "s1"}, rec)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, models.StatusConnected, rec.nextStatus(t))

	inScope := models.Key("daily_checklist:s1:2026-03-02")
	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, event("daily_checklist:s2:2026-03-02", 1)))
	require.NoError(t, hub.Publish(ctx, event("equipment:e1", 2)))
	for rev := uint64(3); rev <= 5; rev++ {
		require.NoError(t, hub.Publish(ctx, event(inScope, rev)))
	}

	for rev := uint64(3); rev <= 5; rev++ {
		got := rec.nextEvent(t)
		assert.Equal(t, inScope, got.Key)
		assert.Equal(t, rev, got.Revision)
	}
	assert.Empty(t, rec.events)
}

func TestHub_BroadcastAndClose(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	sub, err := hub.Subscribe(models.KindEquipment, models.ScopeFilter{}, rec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, rec.nextStatus(t))
	assert.Equal(t, 1, hub.Subscribers())

	hub.Broadcast(models.StatusDisconnected)
	assert.Equal(t, models.StatusDisconnected, rec.nextStatus(t))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, hub.Subscribers())

	hub.Close()
	_, err = hub.Subscribe(models.KindEquipment, models.ScopeFilter{}, rec)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), event("equipment:e1", 1)), ErrClosed)
}

func TestHub_SubscribeRequiresHandler(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	_, err := hub.Subscribe(models.KindEquipment, models.ScopeFilter{}, nil)
	assert.Error(t, err)
}
