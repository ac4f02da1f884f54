package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes game session read-modify-write cycles
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS game_sessions (
		room_id TEXT PRIMARY KEY,
		game_type TEXT NOT NULL,
		status TEXT NOT NULL,
		game_id TEXT,
		kips_hit_json TEXT NOT NULL DEFAULT '[]',
		progress_score INTEGER NOT NULL DEFAULT 0,
		last_analysis_json TEXT,
		content_json TEXT NOT NULL DEFAULT '{}',
		hint_count INTEGER NOT NULL DEFAULT 0,
		history_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_game_sessions_updated ON game_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS user_memories (
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		target_user TEXT NOT NULL DEFAULT '',
		relationship_evolution TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, agent_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetGameSession retrieves the session for a room, or nil if none.
func (s *SQLiteStore) GetGameSession(ctx context.Context, roomID string) (*domain.GameSession, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.getGameSessionLocked(ctx, roomID)
}

func (s *SQLiteStore) getGameSessionLocked(ctx context.Context, roomID string) (*domain.GameSession, error) {
	query := `
		SELECT room_id, game_type, status, game_id, kips_hit_json, progress_score,
		       last_analysis_json, content_json, hint_count, history_json,
		       created_at, updated_at
		FROM game_sessions WHERE room_id = ?`

	row := s.db.QueryRowContext(ctx, query, roomID)

	var session domain.GameSession
	var gameID, lastAnalysisJSON sql.NullString
	var kipsJSON, contentJSON, historyJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.RoomID, &session.GameType, &session.Status, &gameID,
		&kipsJSON, &session.ProgressScore, &lastAnalysisJSON,
		&contentJSON, &session.HintCount, &historyJSON,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan game session row: %w", err)
	}

	session.GameID = gameID.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	if err := json.Unmarshal([]byte(kipsJSON), &session.KipsHit); err != nil {
		return nil, fmt.Errorf("decode kips_hit: %w", err)
	}
	if err := json.Unmarshal([]byte(contentJSON), &session.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &session.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if lastAnalysisJSON.Valid && lastAnalysisJSON.String != "" {
		var analysis domain.JudgeResult
		if err := json.Unmarshal([]byte(lastAnalysisJSON.String), &analysis); err != nil {
			return nil, fmt.Errorf("decode last_analysis: %w", err)
		}
		session.LastAnalysis = &analysis
	}

	return &session, nil
}

// CreateGameSession creates a fresh idle session for a room, replacing any
// prior session.
func (s *SQLiteStore) CreateGameSession(ctx context.Context, roomID string, gameType domain.GameType) (*domain.GameSession, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM game_sessions WHERE room_id = ?`, roomID); err != nil {
		return nil, fmt.Errorf("delete prior game session: %w", err)
	}

	now := time.Now()
	session := &domain.GameSession{
		RoomID:    roomID,
		GameType:  gameType,
		Status:    domain.StatusIdle,
		KipsHit:   []int{},
		History:   []domain.HistoryItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO game_sessions (room_id, game_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		session.RoomID, session.GameType, session.Status,
		now.Unix(), now.Unix(),
	); err != nil {
		return nil, fmt.Errorf("insert game session: %w", err)
	}

	return session, nil
}

// UpdateGameSession applies a merge-patch to the room's session. The
// read-modify-write cycle runs under sessionMu so concurrent patches for
// the same room cannot interleave.
func (s *SQLiteStore) UpdateGameSession(ctx context.Context, roomID string, patch SessionPatch) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	session, err := s.getGameSessionLocked(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load session for update: %w", err)
	}
	if session == nil {
		return fmt.Errorf("game session %s not found", roomID)
	}

	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.GameID != nil {
		session.GameID = *patch.GameID
	}
	if patch.KipsHit != nil {
		session.KipsHit = patch.KipsHit
	}
	if patch.ProgressScore != nil {
		session.ProgressScore = *patch.ProgressScore
	}
	if patch.LastAnalysis != nil {
		session.LastAnalysis = patch.LastAnalysis
	}
	if patch.Content != nil {
		session.Content = *patch.Content
	}
	if patch.HintCount != nil {
		session.HintCount = *patch.HintCount
	}
	if len(patch.AppendHistory) > 0 {
		session.History = append(session.History, patch.AppendHistory...)
	}

	kipsJSON, err := json.Marshal(session.KipsHit)
	if err != nil {
		return fmt.Errorf("encode kips_hit: %w", err)
	}
	contentJSON, err := json.Marshal(session.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	historyJSON, err := json.Marshal(session.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	var analysisJSON interface{}
	if session.LastAnalysis != nil {
		data, err := json.Marshal(session.LastAnalysis)
		if err != nil {
			return fmt.Errorf("encode last_analysis: %w", err)
		}
		analysisJSON = string(data)
	}

	var gameID interface{}
	if session.GameID != "" {
		gameID = session.GameID
	}

	query := `
		UPDATE game_sessions SET
			status = ?, game_id = ?, kips_hit_json = ?, progress_score = ?,
			last_analysis_json = ?, content_json = ?, hint_count = ?,
			history_json = ?, updated_at = ?
		WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, query,
		session.Status, gameID, string(kipsJSON), session.ProgressScore,
		analysisJSON, string(contentJSON), session.HintCount,
		string(historyJSON), time.Now().Unix(), roomID,
	); err != nil {
		return fmt.Errorf("update game session: %w", err)
	}
	return nil
}

// DeleteGameSession removes the room's session.
// Retries with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteGameSession(ctx context.Context, roomID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteGameSessionOnce(ctx, roomID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteGameSession failed with SQLITE_BUSY, retrying",
				"room_id", roomID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("failed to delete game session for %s after %d attempts: %w", roomID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) deleteGameSessionOnce(ctx context.Context, roomID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM game_sessions WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete game session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions idle longer than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM game_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// GetUserMemory retrieves memory for a (user, agent) pair, or nil.
func (s *SQLiteStore) GetUserMemory(ctx context.Context, userID, agentID string) (*domain.UserMemory, error) {
	query := `
		SELECT user_id, agent_id, target_user, relationship_evolution, updated_at
		FROM user_memories WHERE user_id = ? AND agent_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID, agentID)

	var mem domain.UserMemory
	var updatedAt int64
	err := row.Scan(&mem.UserID, &mem.AgentID, &mem.TargetUser, &mem.RelationshipEvolution, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user memory row: %w", err)
	}

	mem.UpdatedAt = time.Unix(updatedAt, 0)
	return &mem, nil
}

// UpsertUserMemory creates or updates memory for a (user, agent) pair.
func (s *SQLiteStore) UpsertUserMemory(ctx context.Context, mem *domain.UserMemory) error {
	query := `
		INSERT INTO user_memories (user_id, agent_id, target_user, relationship_evolution, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, agent_id) DO UPDATE SET
			target_user = excluded.target_user,
			relationship_evolution = excluded.relationship_evolution,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query,
		mem.UserID, mem.AgentID, mem.TargetUser, mem.RelationshipEvolution,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("upsert user memory: %w", err)
	}
	return nil
}
