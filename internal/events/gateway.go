// Package events bridges the room's real-time event stream into the
// server. The frontend relays platform room messages over a WebSocket;
// the gateway feeds speak and agent status into the silence ladder and
// records finished utterances in the game session history.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxalabs/voxroom/internal/convlog"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/silence"
	"github.com/voxalabs/voxroom/internal/store"
)

// Platform room message commands relayed by the frontend.
const (
	cmdSpeakStatus = 1    // data.SpeakStatus: 1 start, 2 stop
	cmdASRResult   = 3    // user speech transcript
	cmdLLMResult   = 4    // agent reply text
	cmdAgentStatus = 6    // data.Status: 1 listening, 2 thinking, 3 speaking
	cmdClientPing  = 1000 // gateway-level keepalive, answered with pong
)

// roomMessage is one relayed platform event.
type roomMessage struct {
	Cmd  int             `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

type speakStatusData struct {
	SpeakStatus int `json:"speak_status"`
}

type agentStatusData struct {
	Status int `json:"status"`
}

type utteranceData struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	EndFlag   bool   `json:"end_flag"`
}

// Gateway upgrades event relay connections and routes their messages.
// Relays are counted per room so the silence ladder is torn down only
// when the room's last relay closes.
type Gateway struct {
	repo          store.Repository
	escalator     *silence.Escalator
	convLog       convlog.Logger
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	mu     sync.Mutex
	relays map[string]int
}

// NewGateway creates an event gateway. convLog may be convlog.Nop.
func NewGateway(repo store.Repository, escalator *silence.Escalator, convLog convlog.Logger, allowedOrigin string, isDev bool, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if convLog == nil {
		convLog = convlog.Nop{}
	}
	return &Gateway{
		repo:          repo,
		escalator:     escalator,
		convLog:       convLog,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
		relays:        make(map[string]int),
	}
}

// ServeHTTP implements the WebSocket upgrade at /ws/events.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	instanceID := r.URL.Query().Get("instance_id")
	agentID := r.URL.Query().Get("agent_id")
	if roomID == "" {
		http.Error(w, "room_id required", http.StatusBadRequest)
		return
	}
	g.logger.Info("event relay connecting", "room_id", roomID, "ip", r.RemoteAddr)

	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("failed to accept event relay", "error", err, "room_id", roomID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "room closed"); closeErr != nil {
			g.logger.Debug("failed to close event relay", "error", closeErr, "room_id", roomID)
		}
	}()

	// The ladder runs while the room has at least one relay. An
	// overlapping reconnect or a second tab shares it instead of
	// tearing it down when the first connection closes.
	g.relayOpened(roomID, instanceID, agentID)
	defer g.relayClosed(roomID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.readLoop(ctx, ws, roomID)
	g.logger.Info("event relay closed", "room_id", roomID)
}

func (g *Gateway) relayOpened(roomID, instanceID, agentID string) {
	g.mu.Lock()
	g.relays[roomID]++
	g.mu.Unlock()
	g.escalator.StartRoom(roomID, instanceID, agentID)
}

func (g *Gateway) relayClosed(roomID string) {
	g.mu.Lock()
	g.relays[roomID]--
	last := g.relays[roomID] <= 0
	if last {
		delete(g.relays, roomID)
	}
	g.mu.Unlock()
	if last {
		g.escalator.StopRoom(roomID)
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || g.allowedOrigin == "*" {
		return true
	}
	if origin == g.allowedOrigin {
		return true
	}
	g.logger.Warn("event relay origin rejected", "origin", origin, "allowed", g.allowedOrigin)
	return false
}

func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, roomID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				g.logger.Debug("event relay closed by client", "room_id", roomID)
			} else {
				g.logger.Warn("event relay read error", "error", err, "room_id", roomID)
			}
			return
		}

		var msg roomMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			g.logger.Warn("unparseable room message", "room_id", roomID, "error", err)
			continue
		}
		g.route(ctx, ws, roomID, msg)
	}
}

// route dispatches one room message. Unknown commands are ignored: the
// platform adds event types faster than we consume them.
func (g *Gateway) route(ctx context.Context, ws *websocket.Conn, roomID string, msg roomMessage) {
	switch msg.Cmd {
	case cmdSpeakStatus:
		var data speakStatusData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		switch data.SpeakStatus {
		case 1:
			g.escalator.UserSpeakStart(roomID)
		case 2:
			g.escalator.UserSpeakStop(roomID)
		}

	case cmdAgentStatus:
		var data agentStatusData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		g.escalator.AgentStatus(roomID, agentStatusFromRaw(data.Status))

	case cmdASRResult:
		g.appendHistory(ctx, roomID, "user", msg.Data)

	case cmdLLMResult:
		g.appendHistory(ctx, roomID, "agent", msg.Data)

	case cmdClientPing:
		if err := g.writeJSON(ws, map[string]int{"cmd": cmdClientPing + 1}); err != nil {
			g.logger.Debug("failed to send pong", "room_id", roomID, "error", err)
		}
	}
}

// appendHistory records a finished utterance in the room's game session
// so the judge sees the full conversation. Partial transcripts and
// rooms without a session are skipped.
func (g *Gateway) appendHistory(ctx context.Context, roomID, role string, raw json.RawMessage) {
	var data utteranceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	text := strings.TrimSpace(data.Text)
	if !data.EndFlag || text == "" {
		return
	}

	g.convLog.Log(convlog.Event{
		RoomID:    roomID,
		Role:      role,
		EventType: "utterance_final",
		Content:   text,
	})

	session, err := g.repo.GetGameSession(ctx, roomID)
	if err != nil {
		g.logger.Error("failed to load session for history", "room_id", roomID, "error", err)
		return
	}
	if session == nil {
		return
	}

	patch := store.SessionPatch{AppendHistory: []domain.HistoryItem{{
		Role:      role,
		Content:   text,
		Timestamp: time.Now(),
	}}}
	if err := g.repo.UpdateGameSession(ctx, roomID, patch); err != nil {
		g.logger.Error("failed to append history", "room_id", roomID, "error", err)
	}
}

func agentStatusFromRaw(status int) domain.AgentStatus {
	switch status {
	case 1:
		return domain.AgentListening
	case 2:
		return domain.AgentThinking
	case 3:
		return domain.AgentSpeaking
	default:
		return domain.AgentIdle
	}
}

func (g *Gateway) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
