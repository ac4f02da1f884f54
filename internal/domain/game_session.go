// Package domain contains core domain types for the voxroom server.
package domain

import (
	"sort"
	"time"
)

// GameType identifies one of the supported mini-games.
type GameType string

const (
	// GameTurtleSoup is the lateral-thinking puzzle game judged against key points.
	GameTurtleSoup GameType = "turtle_soup"
	// GameRiddle is a classic question/answer riddle.
	GameRiddle GameType = "riddle"
	// GameIdiomChain is the idiom word-chain game.
	GameIdiomChain GameType = "idiom_chain"
)

// Valid reports whether t is a known game type.
func (t GameType) Valid() bool {
	switch t {
	case GameTurtleSoup, GameRiddle, GameIdiomChain:
		return true
	}
	return false
}

// GameStatus is the lifecycle state of a game session.
type GameStatus string

const (
	// StatusIdle means a session exists but play has not started.
	StatusIdle GameStatus = "idle"
	// StatusPlaying means the game is actively running.
	StatusPlaying GameStatus = "playing"
	// StatusPaused means the game is suspended and resumable.
	StatusPaused GameStatus = "paused"
	// StatusFinished is terminal; finished sessions are deleted.
	StatusFinished GameStatus = "finished"
)

// TurtleSoupContent is the fixed puzzle content for a turtle_soup session.
type TurtleSoupContent struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Answer    string   `json:"answer"`
	KeyPoints []string `json:"key_points,omitempty"`
	Hints     []string `json:"hints,omitempty"`
}

// RiddleContent is the fixed content for a riddle session.
type RiddleContent struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// IdiomChainContent is the fixed content for an idiom_chain session.
type IdiomChainContent struct {
	Word   string `json:"word"`
	Pinyin string `json:"pinyin,omitempty"`
}

// GameContent is a tagged variant: exactly one branch is non-nil, matching
// the session's GameType. Content is immutable for the session's lifetime.
type GameContent struct {
	TurtleSoup *TurtleSoupContent `json:"turtle_soup,omitempty"`
	Riddle     *RiddleContent     `json:"riddle,omitempty"`
	IdiomChain *IdiomChainContent `json:"idiom_chain,omitempty"`
}

// HistoryItem is one entry in a session's append-only conversation history.
type HistoryItem struct {
	Role      string    `json:"role"` // user | agent | system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// GameSession is the per-room game state. Exactly one session exists per
// room at any time; creating a new one replaces any prior session.
type GameSession struct {
	RoomID        string        `json:"room_id"`
	GameType      GameType      `json:"game_type"`
	Status        GameStatus    `json:"status"`
	GameID        string        `json:"game_id,omitempty"`
	KipsHit       []int         `json:"kips_hit,omitempty"`
	ProgressScore int           `json:"progress_score"`
	LastAnalysis  *JudgeResult  `json:"last_analysis,omitempty"`
	Content       GameContent   `json:"content"`
	HintCount     int           `json:"hint_count"`
	History       []HistoryItem `json:"history"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IsPlaying reports whether the session is actively running.
func (s *GameSession) IsPlaying() bool {
	return s != nil && s.Status == StatusPlaying
}

// MergeKips unions newly hit key-point indices into the existing set,
// returning a sorted, de-duplicated slice. KipsHit never shrinks within a
// game.
func MergeKips(existing, hit []int) []int {
	seen := make(map[int]struct{}, len(existing)+len(hit))
	merged := make([]int, 0, len(existing)+len(hit))
	for _, idx := range existing {
		if _, ok := seen[idx]; !ok {
			seen[idx] = struct{}{}
			merged = append(merged, idx)
		}
	}
	for _, idx := range hit {
		if _, ok := seen[idx]; !ok {
			seen[idx] = struct{}{}
			merged = append(merged, idx)
		}
	}
	sort.Ints(merged)
	return merged
}
