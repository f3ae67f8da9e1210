// Package memory defines the conversation memory graph: conversations
// linked to the entities they discuss, with relationships between
// entities, queried by relevance for prompt enrichment.
package memory

import (
	"context"
	"time"
)

// ConversationNode is one remembered conversation.
type ConversationNode struct {
	ConversationID string         `json:"conversation_id"`
	TraceID        string         `json:"trace_id,omitempty"`
	Summary        string         `json:"summary"`
	Entities       []string       `json:"entities,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Properties     map[string]any `json:"properties,omitempty"`
}

// Entity is a named thing conversations refer to.
type Entity struct {
	Name         string    `json:"name"`
	Type         string    `json:"type,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MentionCount int       `json:"mention_count"`
}

// Relationship links two entities.
type Relationship struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Query filters the graph. Zero-value fields are ignored.
type Query struct {
	EntityNames     []string `json:"entity_names,omitempty"`
	EntityTypes     []string `json:"entity_types,omitempty"`
	ConversationIDs []string `json:"conversation_ids,omitempty"`
	TraceIDs        []string `json:"trace_ids,omitempty"`

	// RecencyDays restricts results to conversations newer than this many
	// days and sets the scale for recency scoring (default 30).
	RecencyDays int `json:"recency_days,omitempty"`

	// Limit caps the number of conversations returned (0 means no cap).
	Limit int `json:"limit,omitempty"`
}

// Result is a scored query answer. RelevanceScores is keyed by
// conversation id.
type Result struct {
	Conversations   []ConversationNode `json:"conversations"`
	RelevanceScores map[string]float64 `json:"relevance_scores"`
}

// Graph is the memory store contract. Implementations are collaborators;
// the in-process Store below backs local operation and tests.
type Graph interface {
	// CreateConversation upserts by conversation id, links the node to its
	// declared entities with a DISCUSSES edge, and increments each linked
	// entity's mention count.
	CreateConversation(ctx context.Context, node ConversationNode) error

	// CreateEntity upserts by name. Insert sets first_seen; every call
	// refreshes last_seen and increments mention_count.
	CreateEntity(ctx context.Context, e Entity) error

	// CreateRelationship upserts keyed by (source, target, type), updating
	// weight and properties.
	CreateRelationship(ctx context.Context, r Relationship) error

	// QueryMemory returns matching conversations with relevance scores,
	// highest score first.
	QueryMemory(ctx context.Context, q Query) (*Result, error)
}

// RelationDiscusses is the edge type linking conversations to entities.
const RelationDiscusses = "DISCUSSES"

const defaultRecencyDays = 30

// score computes the relevance of a conversation for a query at time now.
//
// Components: recency contributes up to 0.4, scaled linearly from the
// query's recency window; entity overlap contributes up to 0.4 (a flat 0.2
// when the query has no entity filter); entity importance contributes up
// to 0.2 from the mention counts of matched entities. The total is capped
// at 1.0.
func score(node ConversationNode, q Query, entities map[string]*Entity, now time.Time) float64 {
	rangeDays := q.RecencyDays
	if rangeDays <= 0 {
		rangeDays = defaultRecencyDays
	}
	window := time.Duration(rangeDays) * 24 * time.Hour

	var s float64

	age := now.Sub(node.Timestamp)
	if age < 0 {
		age = 0
	}
	if age < window {
		s += 0.4 * float64(window-age) / float64(window)
	}

	var matched []string
	if len(q.EntityNames) == 0 {
		s += 0.2
		matched = node.Entities
	} else {
		have := make(map[string]bool, len(node.Entities))
		for _, e := range node.Entities {
			have[e] = true
		}
		for _, want := range q.EntityNames {
			if have[want] {
				matched = append(matched, want)
			}
		}
		s += 0.4 * float64(len(matched)) / float64(len(q.EntityNames))
	}

	if len(matched) > 0 {
		var importance float64
		for _, name := range matched {
			if e, ok := entities[name]; ok {
				m := float64(e.MentionCount) / 100
				if m > 1 {
					m = 1
				}
				importance += m
			}
		}
		s += 0.2 * importance / float64(len(matched))
	}

	if s > 1 {
		s = 1
	}
	return s
}
