package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
	"storeops/internal/tracking/ports/mocks"
	"storeops/pkg/platform/sentinel"
)

type RecordStoreSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	publisher *mocks.MockChangePublisher
	store     *InMemoryStore
	ctx       context.Context
	key       models.Key
	published []models.ChangeEvent
}

func (s *RecordStoreSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.publisher = mocks.NewMockChangePublisher(s.ctrl)
	s.published = nil
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e models.ChangeEvent) error {
			s.published = append(s.published, e)
			return nil
		}).AnyTimes()
	s.store = NewInMemoryStore(WithPublisher(s.publisher))
	s.ctx = context.Background()
	s.key = models.Key("daily_checklist:store-1:2026-03-02")
}

func TestRecordStoreSuite(t *testing.T) {
	suite.Run(t, new(RecordStoreSuite))
}

// TestPatchRecord verifies partial updates, revisions and emitted events.
func (s *RecordStoreSuite) TestPatchRecord() {
	s.Run("returns ErrNotFound when creation is not implied", func() {
		_, err := s.store.PatchRecord(s.ctx, s.key, models.FieldPatch("t1", true), ports.PatchOptions{})
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.Empty(s.published)
	})

	s.Run("creates the record and emits an insert", func() {
		rev, err := s.store.PatchRecord(s.ctx, s.key, models.FieldPatch("t1", true), ports.PatchOptions{CreateIfMissing: true})
		s.Require().NoError(err)
		s.Equal(uint64(1), rev)

		rec, err := s.store.ReadRecord(s.ctx, s.key)
		s.Require().NoError(err)
		s.True(rec.Checked("t1"))
		s.Equal("store-1", rec.StoreID)
		s.Equal("2026-03-02", rec.Day)

		s.Require().Len(s.published, 1)
		s.Equal(models.OpInsert, s.published[0].Op)
		s.Nil(s.published[0].Before)
	})

	s.Run("updates only the patched fields", func() {
		rev, err := s.store.PatchRecord(s.ctx, s.key, models.FieldPatch("t2", true), ports.PatchOptions{})
		s.Require().NoError(err)
		s.Equal(uint64(2), rev)

		rec, _ := s.store.ReadRecord(s.ctx, s.key)
		s.True(rec.Checked("t1"))
		s.True(rec.Checked("t2"))

		last := s.published[len(s.published)-1]
		s.Equal(models.OpUpdate, last.Op)
		s.Require().NotNil(last.Before)
		s.False(last.Before.Checked("t2"))
		s.Equal(models.FieldPatch("t2", true).Fields, models.Diff(*last.Before, *last.After).Fields)
	})

	s.Run("stale expected revision is a conflict", func() {
		_, err := s.store.PatchRecord(s.ctx, s.key, models.FieldPatch("t1", false), ports.PatchOptions{ExpectedRevision: 1})
		s.ErrorIs(err, sentinel.ErrConflict)
		s.ErrorIs(err, models.ErrStaleWrite)
		var conflict *models.RevisionConflictError
		s.Require().ErrorAs(err, &conflict)
		s.Equal(uint64(2), conflict.Current)
	})

	s.Run("malformed keys are rejected", func() {
		_, err := s.store.PatchRecord(s.ctx, "bogus", models.FieldPatch("t1", true), ports.PatchOptions{CreateIfMissing: true})
		s.ErrorIs(err, models.ErrValidationRejected)
	})
}

func (s *RecordStoreSuite) TestFieldValidation() {
	store := NewInMemoryStore(WithFieldValidator(func(_ models.EntityKind, field models.FieldID) error {
		if field == "unknown" {
			return errors.Join(models.ErrValidationRejected, errors.New("unknown column"))
		}
		return nil
	}))
	_, err := store.PatchRecord(s.ctx, s.key, models.FieldPatch("unknown", true), ports.PatchOptions{CreateIfMissing: true})
	s.ErrorIs(err, models.ErrValidationRejected)
}

func (s *RecordStoreSuite) TestReadRecordsByScope() {
	s.store.Put(s.ctx, models.NewEmptyRecord("daily_checklist:store-1:2026-03-01"))
	s.store.Put(s.ctx, models.NewEmptyRecord("daily_checklist:store-1:2026-03-05"))
	s.store.Put(s.ctx, models.NewEmptyRecord("daily_checklist:store-2:2026-03-02"))
	s.store.Put(s.ctx, models.NewEmptyRecord("equipment:fridge-1"))

	recs, err := s.store.ReadRecordsByScope(s.ctx, models.ScopeFilter{
		Kind: models.KindDailyChecklist, StoreID: "store-1", From: "2026-03-01", To: "2026-03-03",
	})
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal(models.Key("daily_checklist:store-1:2026-03-01"), recs[0].Key)

	recs, err = s.store.ReadRecordsByScope(s.ctx, models.ScopeFilter{Kind: models.KindEquipment})
	s.Require().NoError(err)
	s.Len(recs, 1)
}

func (s *RecordStoreSuite) TestDelete() {
	s.store.Put(s.ctx, models.NewEmptyRecord(s.key))
	s.Require().NoError(s.store.Delete(s.ctx, s.key))

	_, err := s.store.ReadRecord(s.ctx, s.key)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.ErrorIs(s.store.Delete(s.ctx, s.key), sentinel.ErrNotFound)

	last := s.published[len(s.published)-1]
	s.Equal(models.OpDelete, last.Op)
	s.Equal(uint64(2), last.Revision)
}
