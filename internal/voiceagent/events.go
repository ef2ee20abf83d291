package voiceagent

import "encoding/json"

// Inbound JSON event type discriminators (§4.5, §6.2).
const (
	EventWelcome              = "Welcome"
	EventSettingsApplied      = "SettingsApplied"
	EventUserStartedSpeaking  = "UserStartedSpeaking"
	EventUserStoppedSpeaking  = "UserStoppedSpeaking"
	EventAgentStartedSpeaking = "AgentStartedSpeaking"
	EventAgentAudioDone       = "AgentAudioDone"
	EventConversationText     = "ConversationText"
	EventPromptUpdated        = "PromptUpdated"
	EventFunctionCallRequest  = "FunctionCallRequest"
	EventHistory              = "History"
	EventError                = "Error"
)

// InboundEvent is the generic envelope every JSON message from the upstream
// is first decoded into; Type selects how the remaining fields are read.
type InboundEvent struct {
	Type string `json:"type"`

	// Welcome
	SessionID string `json:"session_id,omitempty"`

	// ConversationText
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// FunctionCallRequest
	FunctionCallID string          `json:"function_call_id,omitempty"`
	FunctionName   string          `json:"function_name,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`

	// Error
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Fatal       bool   `json:"fatal,omitempty"`
}

// --- Outbound control message shapes (§4.5) ---

type keepAliveMsg struct {
	Type string `json:"type"`
}

// KeepAlive is the control message sent when no audio has crossed the
// voice-agent channel for the configured interval.
func KeepAlive() any { return keepAliveMsg{Type: "KeepAlive"} }

type updatePromptMsg struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// UpdatePrompt carries a coach-whisper-merged prompt upstream.
func UpdatePrompt(prompt string) any { return updatePromptMsg{Type: "UpdatePrompt", Prompt: prompt} }

type injectUserMessageMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func InjectUserMessage(content string) any {
	return injectUserMessageMsg{Type: "InjectUserMessage", Content: content}
}

type injectAgentMessageMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func InjectAgentMessage(content string) any {
	return injectAgentMessageMsg{Type: "InjectAgentMessage", Content: content}
}

type functionCallResponseMsg struct {
	Type           string `json:"type"`
	FunctionCallID string `json:"function_call_id"`
	Output         string `json:"output"`
}

// FunctionCallResponse settles a pending FunctionCallRequest (§4.6).
func FunctionCallResponse(callID, output string) any {
	return functionCallResponseMsg{Type: "FunctionCallResponse", FunctionCallID: callID, Output: output}
}
