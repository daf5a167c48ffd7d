package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/audit/store/memory"
)

type failingStore struct {
	audit.Store
}

func (failingStore) Append(context.Context, audit.Event) error {
	return errors.New("disk full")
}

func TestPublisher_Emit(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	store := memory.NewInMemoryStore()
	pub := New(store, WithClock(func() time.Time { return fixed }))
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.ComplianceEvent{
		Subject:  "daily_checklist:s1:2024-05-01",
		Action:   string(audit.EventRecordAudited),
		Decision: "audited",
		ActorID:  "supervisor-1",
	})
	require.NoError(t, err)

	events, err := store.ListBySubject(context.Background(), "daily_checklist:s1:2024-05-01")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.Equal(t, "supervisor-1", events[0].ActorID)
	assert.Equal(t, fixed, events[0].Timestamp)
}

func TestPublisher_RequiredFields(t *testing.T) {
	pub := New(memory.NewInMemoryStore())

	tests := []struct {
		name  string
		event audit.ComplianceEvent
	}{
		{"missing subject", audit.ComplianceEvent{Action: "record_audited", ActorID: "a"}},
		{"missing action", audit.ComplianceEvent{Subject: "k", ActorID: "a"}},
		{"missing actor", audit.ComplianceEvent{Subject: "k", Action: "record_audited"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, pub.Emit(context.Background(), tt.event))
		})
	}
}

func TestPublisher_FailsClosed(t *testing.T) {
	pub := New(failingStore{})
	err := pub.Emit(context.Background(), audit.ComplianceEvent{
		Subject: "k",
		Action:  string(audit.EventRecordUnaudited),
		ActorID: "a",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
