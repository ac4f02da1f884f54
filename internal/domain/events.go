package domain

// AgentStatus is the running state of the room's agent instance as reported
// by the real-time platform.
type AgentStatus string

const (
	// AgentIdle means the agent is doing nothing.
	AgentIdle AgentStatus = "idle"
	// AgentListening means the agent is receiving user speech.
	AgentListening AgentStatus = "listening"
	// AgentThinking means the agent is generating a response.
	AgentThinking AgentStatus = "thinking"
	// AgentSpeaking means the agent is producing audio output.
	AgentSpeaking AgentStatus = "speaking"
)

// Busy reports whether the agent is about to or currently producing output.
// No proactive nudge may compete with a busy agent.
func (s AgentStatus) Busy() bool {
	return s == AgentThinking || s == AgentSpeaking
}

// SilenceLevel denotes escalating durations of detected inactivity.
type SilenceLevel string

const (
	// SilenceShort fires after 5 seconds of silence.
	SilenceShort SilenceLevel = "short"
	// SilenceMedium fires after 15 seconds of silence.
	SilenceMedium SilenceLevel = "medium"
	// SilenceLong fires after 30 seconds and then repeats every 30 seconds.
	SilenceLong SilenceLevel = "long"
)

// SceneType selects the prompt scene module for the agent.
type SceneType string

const (
	// SceneChat is the default companion small-talk scene.
	SceneChat SceneType = "chat"
	// SceneGame is active while a mini-game is running.
	SceneGame SceneType = "game"
	// SceneTask is active while a background task is being handled.
	SceneTask SceneType = "task"
)
