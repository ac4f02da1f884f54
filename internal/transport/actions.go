package transport

import (
	"context"
	"net/url"
	"strconv"
)

// Priority orders queued agent speech. Same-priority behavior is
// controlled separately by SamePriorityOption.
type Priority string

const (
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// SamePriorityOption decides what happens when speech of equal priority
// is already queued.
type SamePriorityOption string

const (
	OptionEnqueue   SamePriorityOption = "Enqueue"
	OptionInterrupt SamePriorityOption = "Interrupt"
)

// SpeakOptions tune how injected speech interacts with the agent's queue.
// Zero values mean Medium priority and Enqueue.
type SpeakOptions struct {
	Priority           Priority
	SamePriorityOption SamePriorityOption
}

func (o SpeakOptions) normalized() SpeakOptions {
	if o.Priority == "" {
		o.Priority = PriorityMedium
	}
	if o.SamePriorityOption == "" {
		o.SamePriorityOption = OptionEnqueue
	}
	return o
}

// LLMUpdate is the agent instance's LLM binding, including the freshly
// composed system prompt.
type LLMUpdate struct {
	Vendor       string `json:"Vendor"`
	URL          string `json:"Url"`
	APIKey       string `json:"ApiKey"`
	Model        string `json:"Model"`
	SystemPrompt string `json:"SystemPrompt"`
}

// AgentControl is the platform surface the orchestration layers depend
// on. *Client implements it; tests substitute fakes.
type AgentControl interface {
	// SendAgentTTS makes the agent speak the text verbatim.
	SendAgentTTS(ctx context.Context, instanceID, text string, opts SpeakOptions) error

	// SendAgentLLM feeds the text to the agent's LLM so it replies in
	// persona. The answer is added to the dialogue history.
	SendAgentLLM(ctx context.Context, instanceID, text string, opts SpeakOptions) error

	// UpdateAgentInstance replaces the agent instance's LLM binding and
	// system prompt.
	UpdateAgentInstance(ctx context.Context, instanceID string, llm LLMUpdate) error

	// ResetAgentContext clears the agent instance's message history.
	ResetAgentContext(ctx context.Context, instanceID string) error

	// DeleteAgentInstance tears down the agent instance.
	DeleteAgentInstance(ctx context.Context, instanceID string) error

	// SendRoomBroadcast pushes a JSON payload to everyone in the room
	// as a chat-category room message.
	SendRoomBroadcast(ctx context.Context, roomID, senderID, senderName, content string) error
}

var _ AgentControl = (*Client)(nil)

func (c *Client) SendAgentTTS(ctx context.Context, instanceID, text string, opts SpeakOptions) error {
	opts = opts.normalized()
	_, err := c.call(ctx, "SendAgentInstanceTTS", map[string]any{
		"AgentInstanceId":    instanceID,
		"Text":               text,
		"Priority":           opts.Priority,
		"SamePriorityOption": opts.SamePriorityOption,
	})
	return err
}

func (c *Client) SendAgentLLM(ctx context.Context, instanceID, text string, opts SpeakOptions) error {
	opts = opts.normalized()
	_, err := c.call(ctx, "SendAgentInstanceLLM", map[string]any{
		"AgentInstanceId":    instanceID,
		"Text":               text,
		"Priority":           opts.Priority,
		"SamePriorityOption": opts.SamePriorityOption,
		"AddAnswerToHistory": true,
	})
	return err
}

func (c *Client) UpdateAgentInstance(ctx context.Context, instanceID string, llm LLMUpdate) error {
	_, err := c.call(ctx, "UpdateAgentInstance", map[string]any{
		"AgentInstanceId": instanceID,
		"LLM":             llm,
	})
	return err
}

func (c *Client) ResetAgentContext(ctx context.Context, instanceID string) error {
	_, err := c.call(ctx, "ResetAgentInstanceMsgList", map[string]any{
		"AgentInstanceId": instanceID,
	})
	return err
}

func (c *Client) DeleteAgentInstance(ctx context.Context, instanceID string) error {
	_, err := c.call(ctx, "DeleteAgentInstance", map[string]any{
		"AgentInstanceId": instanceID,
	})
	return err
}

// SendRoomBroadcast goes through the RTC API, which takes its
// parameters in the query string. Message category 2 is chat.
func (c *Client) SendRoomBroadcast(ctx context.Context, roomID, senderID, senderName, content string) error {
	params := url.Values{}
	params.Set("RoomId", roomID)
	params.Set("UserId", senderID)
	params.Set("UserName", senderName)
	params.Set("MessageCategory", strconv.Itoa(2))
	params.Set("MessageContent", content)

	_, err := c.callGet(ctx, c.cfg.RTCAPIURL, "SendBroadcastMessage", params)
	return err
}
