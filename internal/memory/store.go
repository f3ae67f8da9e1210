package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type relKey struct {
	source, target, relType string
}

// Store is the in-process Graph implementation. All methods are safe for
// concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations map[string]ConversationNode
	entities      map[string]*Entity
	relationships map[relKey]Relationship
	now           func() time.Time
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithNow overrides the clock (for tests).
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty in-process memory graph.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		conversations: make(map[string]ConversationNode),
		entities:      make(map[string]*Entity),
		relationships: make(map[relKey]Relationship),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateConversation upserts the node and links its entities.
func (s *Store) CreateConversation(_ context.Context, node ConversationNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.Timestamp.IsZero() {
		node.Timestamp = s.now()
	}
	s.conversations[node.ConversationID] = node

	for _, name := range node.Entities {
		key := relKey{source: node.ConversationID, target: name, relType: RelationDiscusses}
		if _, linked := s.relationships[key]; linked {
			// Already ingested for this conversation. The consolidator
			// replays captures; replays must not inflate mention counts
			// or edge weights.
			continue
		}
		s.upsertEntity(Entity{Name: name})
		s.relationships[key] = Relationship{
			SourceID: node.ConversationID,
			TargetID: name,
			Type:     RelationDiscusses,
			Weight:   1,
		}
	}
	return nil
}

// CreateEntity upserts by name.
func (s *Store) CreateEntity(_ context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertEntity(e)
	return nil
}

// upsertEntity must be called with the lock held.
func (s *Store) upsertEntity(e Entity) {
	now := s.now()
	existing, ok := s.entities[e.Name]
	if !ok {
		first := e.FirstSeen
		if first.IsZero() {
			first = now
		}
		s.entities[e.Name] = &Entity{
			Name:         e.Name,
			Type:         e.Type,
			FirstSeen:    first,
			LastSeen:     now,
			MentionCount: 1,
		}
		return
	}
	existing.LastSeen = now
	existing.MentionCount++
	if e.Type != "" {
		existing.Type = e.Type
	}
}

// CreateRelationship upserts keyed by (source, target, type).
func (s *Store) CreateRelationship(_ context.Context, r Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := relKey{source: r.SourceID, target: r.TargetID, relType: r.Type}
	existing, ok := s.relationships[key]
	if !ok {
		s.relationships[key] = r
		return nil
	}
	existing.Weight = r.Weight
	if r.Properties != nil {
		existing.Properties = r.Properties
	}
	s.relationships[key] = existing
	return nil
}

// EntityByName returns a copy of the named entity.
func (s *Store) EntityByName(name string) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[name]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// QueryMemory filters and scores conversations, highest relevance first.
func (s *Store) QueryMemory(_ context.Context, q Query) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rangeDays := q.RecencyDays
	if rangeDays <= 0 {
		rangeDays = defaultRecencyDays
	}
	cutoff := now.Add(-time.Duration(rangeDays) * 24 * time.Hour)

	res := &Result{RelevanceScores: make(map[string]float64)}
	for _, node := range s.conversations {
		if !s.matches(node, q, cutoff) {
			continue
		}
		res.Conversations = append(res.Conversations, node)
		res.RelevanceScores[node.ConversationID] = score(node, q, s.entities, now)
	}

	sort.Slice(res.Conversations, func(i, j int) bool {
		a, b := res.Conversations[i], res.Conversations[j]
		sa, sb := res.RelevanceScores[a.ConversationID], res.RelevanceScores[b.ConversationID]
		if sa != sb {
			return sa > sb
		}
		return a.ConversationID < b.ConversationID
	})

	if q.Limit > 0 && len(res.Conversations) > q.Limit {
		dropped := res.Conversations[q.Limit:]
		res.Conversations = res.Conversations[:q.Limit]
		for _, node := range dropped {
			delete(res.RelevanceScores, node.ConversationID)
		}
	}
	return res, nil
}

// matches must be called with the lock held.
func (s *Store) matches(node ConversationNode, q Query, cutoff time.Time) bool {
	if node.Timestamp.Before(cutoff) {
		return false
	}
	if len(q.ConversationIDs) > 0 && !contains(q.ConversationIDs, node.ConversationID) {
		return false
	}
	if len(q.TraceIDs) > 0 && !contains(q.TraceIDs, node.TraceID) {
		return false
	}
	if len(q.EntityNames) > 0 && !intersects(node.Entities, q.EntityNames) {
		return false
	}
	if len(q.EntityTypes) > 0 {
		found := false
		for _, name := range node.Entities {
			if e, ok := s.entities[name]; ok && contains(q.EntityTypes, e.Type) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}
