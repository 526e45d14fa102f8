// Package claude provides types and a client for the Claude CLI stream-json
// protocol: streaming JSON over stdin/stdout with control requests for
// permissions and lifecycle operations.
package claude

import "encoding/json"

// Message types from the Claude CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
	// MessageTypeStreamEvent is a partial content update
	MessageTypeStreamEvent = "stream_event"
)

// Control request subtypes
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeHookCallback      = "hook_callback"
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage represents messages from the Claude CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages. Result is either a string (error message) or a
	// ResultData object.
	Result     json.RawMessage `json:"result,omitempty"`
	Subtype    string          `json:"subtype,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// Raw line for advanced parsing
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field when it is a plain string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest represents a control request from the Claude CLI,
// used for permission requests (can_use_tool) and hook callbacks.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`
}

// ControlResponseMessage is sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // success, error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// IncomingControlResponse is a control response from the CLI back to us.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id"`
	Error     string                  `json:"error,omitempty"`
	Response  *InitializeResponseData `json:"response,omitempty"`
}

// InitializeResponseData carries the CLI's initialize response payload.
type InitializeResponseData struct {
	Commands []string `json:"commands,omitempty"`
	Agents   []string `json:"agents,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	Behavior     string `json:"behavior"` // allow, deny
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
	Interrupt    *bool  `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request sent to the Claude CLI
// (initialize, interrupt, set_permission_mode).
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string         `json:"subtype"`
	Hooks   map[string]any `json:"hooks,omitempty"`
	Mode    string         `json:"mode,omitempty"`
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// StreamEvent represents a streaming event (partial content update).
type StreamEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index,omitempty"`
	Delta *TextDelta `json:"delta,omitempty"`
}

// TextDelta contains a partial text update.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
