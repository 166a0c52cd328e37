package services

import "github.com/maturion/maturion/internal/models"

// TagStore abstracts the tag ledger reads.
type TagStore interface {
	ListTags() ([]*models.TagEntry, error)
	GetTagByName(name string) (*models.TagEntry, error)
}

// TagService exposes the frequency-ranked tag vocabulary. Writes happen
// through the lifecycle engine (increments) and the import reconciler
// (insert-if-absent) only.
type TagService struct {
	store TagStore
}

func NewTagService(store TagStore) *TagService {
	return &TagService{store: store}
}

// List returns the vocabulary ranked by usage count, most used first.
func (s *TagService) List() ([]*models.TagEntry, error) {
	return s.store.ListTags()
}

// Get returns the ledger entry for one tag name.
func (s *TagService) Get(name string) (*models.TagEntry, error) {
	e, err := s.store.GetTagByName(name)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, NewNotFoundError("tag not found: " + name)
	}
	return e, nil
}
