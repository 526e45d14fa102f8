// Package codex provides types and a client for the Codex app-server
// protocol. Codex speaks a JSON-RPC 2.0 variant over stdio but omits the
// "jsonrpc":"2.0" header.
package codex

import "encoding/json"

// Request represents a Codex JSON-RPC request (without jsonrpc field)
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex JSON-RPC response
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex notification (no id field)
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Codex method names
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // Notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
)

// Codex notification methods (server → client)
const (
	NotifyThreadStarted              = "thread/started"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyItemStarted                = "item/started"
	NotifyItemCompleted              = "item/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta  = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta     = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta     = "item/commandExecution/outputDelta"
	NotifyItemCmdExecRequestApproval = "item/commandExecution/requestApproval"
	NotifyItemFileChangeApproval     = "item/fileChange/requestApproval"
	NotifyError                      = "error"
)

// InitializeParams for initialize request
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// SandboxPolicy configures sandbox behavior. Type uses kebab-case values:
// "read-only", "workspace-write", "danger-full-access".
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread represents a Codex thread (conversation)
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume
type ThreadResumeParams struct {
	ThreadID       string         `json:"threadId"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ThreadResumeResult from thread/resume
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput represents input to a turn
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage"
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnInterruptParams for turn/interrupt
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// Turn represents a Codex turn within a thread
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed"
	Items  []Item `json:"items"`
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// Item represents a Codex item (message, command execution, file change...)
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // "userMessage", "agentMessage", "commandExecution", "fileChange", "reasoning", "mcpToolCall"
	Status string `json:"status"` // "inProgress", "completed", "failed"

	// For agentMessage items
	Text string `json:"text,omitempty"`

	// For commandExecution items
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// For reasoning items; content arrives as either a string or typed parts
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// For mcpToolCall items
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ContentPart is one element of a typed content array.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent unmarshals from either a string or []ContentPart. Codex
// sends both shapes depending on the item kind.
type FlexibleContent []ContentPart

// UnmarshalJSON accepts both string and array content.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// String flattens the content parts to a single string.
func (fc FlexibleContent) String() string {
	out := ""
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// ItemStartedParams for item/started notification
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed notification
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandOutputDeltaParams for item/commandExecution/outputDelta
type CommandOutputDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ApprovalParams for both requestApproval notifications.
type ApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command,omitempty"`
	Path      string   `json:"path,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// ApprovalResponse answers a requestApproval. Decision values: "accept",
// "acceptForSession", "decline", "cancel".
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// TurnCompletedParams for turn/completed notification
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ErrorParams for error notification
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Model describes one entry from model/list.
type Model struct {
	ID               string   `json:"id"`
	Label            string   `json:"label,omitempty"`
	ReasoningEfforts []string `json:"reasoningEfforts,omitempty"`
}

// ModelListResult from model/list
type ModelListResult struct {
	Models []Model `json:"models"`
}
