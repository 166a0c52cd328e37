package services

import (
	"database/sql"
	"errors"

	"github.com/maturion/maturion/internal/models"
)

// HistoryStore abstracts snapshot persistence.
type HistoryStore interface {
	GetHistory(id string) (*models.HistorySnapshot, error)
	ListHistoryByItem(code string) ([]*models.HistorySnapshot, error)
	DeleteHistory(id string) error
	ClearHistoryByItem(code string) (int, error)
}

// HistoryService is plain CRUD over immutable snapshot records. All
// snapshot-creation logic lives in the lifecycle and import services.
type HistoryService struct {
	store HistoryStore
}

func NewHistoryService(store HistoryStore) *HistoryService {
	return &HistoryService{store: store}
}

// ListByItem returns an item's snapshots, newest first.
func (s *HistoryService) ListByItem(itemCode string) ([]*models.HistorySnapshot, error) {
	return s.store.ListHistoryByItem(itemCode)
}

func (s *HistoryService) Get(id string) (*models.HistorySnapshot, error) {
	h, err := s.store.GetHistory(id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, NewNotFoundError("history snapshot not found: " + id)
	}
	return h, nil
}

func (s *HistoryService) Delete(id string) error {
	if err := s.store.DeleteHistory(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFoundError("history snapshot not found: " + id)
		}
		return err
	}
	return nil
}

// ClearByItem removes all snapshots of one item and returns the count.
func (s *HistoryService) ClearByItem(itemCode string) (int, error) {
	return s.store.ClearHistoryByItem(itemCode)
}
