package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports/mocks"
	audit "storeops/pkg/platform/audit"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNew(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is required")
}

func TestPublishRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockChangePublisher(ctrl)
	handler := PublishRecords(publisher, discard)
	ctx := context.Background()

	key := models.Key("daily_checklist:store-1:2026-03-02")
	after := models.NewEmptyRecord(key)
	after.Fields["t1"] = true
	event := models.ChangeEvent{Kind: models.KindDailyChecklist, Op: models.OpInsert, Key: key, After: &after, Revision: 3}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	t.Run("publishes the decoded event", func(t *testing.T) {
		publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, got models.ChangeEvent) error {
				assert.Equal(t, key, got.Key)
				assert.Equal(t, uint64(3), got.Revision)
				require.NotNil(t, got.After)
				assert.True(t, got.After.Checked("t1"))
				return nil
			})
		require.NoError(t, handler(ctx, Entry{ID: uuid.New(), Payload: payload}))
	})

	t.Run("publish errors keep the entry", func(t *testing.T) {
		publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
		assert.Error(t, handler(ctx, Entry{ID: uuid.New(), Payload: payload}))
	})

	t.Run("malformed payloads are skipped", func(t *testing.T) {
		assert.NoError(t, handler(ctx, Entry{ID: uuid.New(), Payload: []byte("{")}))

		missingAfter, err := json.Marshal(models.ChangeEvent{Op: models.OpUpdate, Key: key})
		require.NoError(t, err)
		assert.NoError(t, handler(ctx, Entry{ID: uuid.New(), Payload: missingAfter}))
	})
}

type auditSink struct {
	got []audit.Event
}

func (s *auditSink) PublishAudit(_ context.Context, e audit.Event) error {
	s.got = append(s.got, e)
	return nil
}

func TestPublishAudit(t *testing.T) {
	sink := &auditSink{}
	handler := PublishAudit(sink, discard)

	payload, err := json.Marshal(audit.Event{Subject: "daily_checklist:store-1:2026-03-02", Action: string(audit.EventRecordAudited)})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), Entry{ID: uuid.New(), Payload: payload}))
	require.NoError(t, handler(context.Background(), Entry{ID: uuid.New(), Payload: []byte("not json")}))
	require.Len(t, sink.got, 1)
	assert.Equal(t, string(audit.EventRecordAudited), sink.got[0].Action)
}
