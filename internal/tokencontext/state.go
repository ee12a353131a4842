package tokencontext

import "github.com/haasonsaas/zubot/pkg/models"

// State is an ordered set of tagged context items keyed by source_id, per
// the context-composition rule: drop-order is strictly by
// priority then insertion order.
type State struct {
	order []string
	items map[string]models.ContextItem
}

// NewState returns an empty context state.
func NewState() *State {
	return &State{items: make(map[string]models.ContextItem)}
}

// Put inserts or replaces an item. Replacing an existing source_id keeps its
// original insertion position.
func (s *State) Put(item models.ContextItem) {
	if _, exists := s.items[item.SourceID]; !exists {
		s.order = append(s.order, item.SourceID)
	}
	s.items[item.SourceID] = item
}

// Remove drops an item by source_id.
func (s *State) Remove(sourceID string) {
	if _, exists := s.items[sourceID]; !exists {
		return
	}
	delete(s.items, sourceID)
	for i, id := range s.order {
		if id == sourceID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Items returns every item in insertion order.
func (s *State) Items() []models.ContextItem {
	out := make([]models.ContextItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// ByPriority returns items of the given priority, in insertion order.
func (s *State) ByPriority(p models.ContextItemPriority) []models.ContextItem {
	var out []models.ContextItem
	for _, id := range s.order {
		item := s.items[id]
		if item.Priority == p {
			out = append(out, item)
		}
	}
	return out
}
