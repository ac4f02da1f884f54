package domain

import "time"

// UserMemory is the persisted memory for one (user, agent) pair.
// TargetUser holds a JSON-serialized profile that is deep-merged on every
// update; RelationshipEvolution is a plain string replaced wholesale.
type UserMemory struct {
	UserID                string    `json:"user_id"`
	AgentID               string    `json:"agent_id"`
	TargetUser            string    `json:"target_user"`
	RelationshipEvolution string    `json:"relationship_evolution"`
	UpdatedAt             time.Time `json:"updated_at"`
}
