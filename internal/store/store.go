// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/voxalabs/voxroom/internal/domain"
)

// SessionPatch is a merge-patch over a game session. Nil fields are left
// untouched; AppendHistory entries are appended to the stored history.
// Every applied patch stamps updated_at.
type SessionPatch struct {
	Status        *domain.GameStatus
	GameID        *string
	KipsHit       []int
	ProgressScore *int
	LastAnalysis  *domain.JudgeResult
	Content       *domain.GameContent
	HintCount     *int
	AppendHistory []domain.HistoryItem
}

// Repository defines the interface for persisting game sessions and user
// memory.
type Repository interface {
	// GetGameSession retrieves the session for a room, or nil if none.
	GetGameSession(ctx context.Context, roomID string) (*domain.GameSession, error)

	// CreateGameSession creates a fresh session for a room, deleting any
	// prior session first. The new session starts idle with empty history.
	CreateGameSession(ctx context.Context, roomID string, gameType domain.GameType) (*domain.GameSession, error)

	// UpdateGameSession applies a merge-patch to the room's session.
	UpdateGameSession(ctx context.Context, roomID string, patch SessionPatch) error

	// DeleteGameSession removes the room's session.
	DeleteGameSession(ctx context.Context, roomID string) error

	// CleanupExpiredSessions removes sessions idle longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// GetUserMemory retrieves memory for a (user, agent) pair, or nil.
	GetUserMemory(ctx context.Context, userID, agentID string) (*domain.UserMemory, error)

	// UpsertUserMemory creates or updates memory for a (user, agent) pair.
	UpsertUserMemory(ctx context.Context, mem *domain.UserMemory) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
