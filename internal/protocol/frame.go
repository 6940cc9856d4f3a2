// Package protocol defines the single discriminant-tagged WebSocket frame
// that flows in both directions between proxies, the backend, and
// viewers. Every frame is a flat UTF-8 JSON object with a "type" field;
// the router dispatches on that field rather than on a wrapped envelope.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants.
const (
	TypeRegister           = "Register"
	TypeRegisterAck        = "RegisterAck"
	TypeSequencedOutput    = "SequencedOutput"
	TypeOutputAck          = "OutputAck"
	TypeClaudeOutput       = "ClaudeOutput"
	TypeClaudeInput        = "ClaudeInput"
	TypeSequencedInput     = "SequencedInput"
	TypeInputAck           = "InputAck"
	TypeSessionUpdate      = "SessionUpdate"
	TypeSessionStatus      = "SessionStatus"
	TypePermissionRequest  = "PermissionRequest"
	TypePermissionResponse = "PermissionResponse"
	TypeHeartbeat          = "Heartbeat"
	TypeUserSpendUpdate    = "UserSpendUpdate"
	TypeServerShutdown     = "ServerShutdown"
	TypeError              = "Error"
)

// Send modes for ClaudeInput / SequencedInput.
const (
	SendModeNormal = "normal"
	SendModeWiggum = "wiggum"
)

// Frame is the union of every field any variant uses. Unused fields are
// omitted from the wire form via omitempty; Decode checks only that Type
// is a recognized discriminant, not which fields are present.
type Frame struct {
	Type string `json:"type"`

	// Register (proxy and viewer)
	SessionID        string `json:"session_id,omitempty"`
	SessionName      string `json:"session_name,omitempty"`
	AuthToken        string `json:"auth_token,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Resuming         bool   `json:"resuming,omitempty"`
	GitBranch        string `json:"git_branch,omitempty"`
	ReplayAfter      string `json:"replay_after,omitempty"`
	ClientVersion    string `json:"client_version,omitempty"`
	AgentType        string `json:"agent_type,omitempty"`

	// RegisterAck
	Success bool `json:"success,omitempty"`

	// SequencedOutput / SequencedInput
	Seq     uint64 `json:"seq,omitempty"`
	Content string `json:"content,omitempty"`

	// OutputAck / InputAck
	AckSeq uint64 `json:"ack_seq,omitempty"`

	// ClaudeInput / SequencedInput
	SendMode string `json:"send_mode,omitempty"`

	// SessionStatus
	Status string `json:"status,omitempty"`

	// PermissionRequest / PermissionResponse
	RequestID             string          `json:"request_id,omitempty"`
	ToolName              string          `json:"tool_name,omitempty"`
	Input                 json.RawMessage `json:"input,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	Allow                 bool            `json:"allow,omitempty"`
	Permissions           json.RawMessage `json:"permissions,omitempty"`

	// UserSpendUpdate
	InputTokens    int64   `json:"input_tokens,omitempty"`
	OutputTokens   int64   `json:"output_tokens,omitempty"`
	CumulativeCost float64 `json:"cumulative_cost,omitempty"`

	// ServerShutdown
	ReconnectDelayMs int `json:"reconnect_delay_ms,omitempty"`

	// Error, RegisterAck, PermissionResponse, ServerShutdown
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	// Error / generic
	Message string `json:"message,omitempty"`
}

// Decode parses a single text-frame payload and validates that Type is one
// of the recognized discriminants. Fields are not checked per variant;
// the router reads whichever fields the variant uses.
func Decode(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	if !validType(f.Type) {
		return nil, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	return f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", f.Type, err)
	}
	return b, nil
}

func validType(t string) bool {
	switch t {
	case TypeRegister, TypeRegisterAck, TypeSequencedOutput, TypeOutputAck,
		TypeClaudeOutput, TypeClaudeInput, TypeSequencedInput, TypeInputAck,
		TypeSessionUpdate, TypeSessionStatus, TypePermissionRequest, TypePermissionResponse,
		TypeHeartbeat, TypeUserSpendUpdate, TypeServerShutdown, TypeError:
		return true
	default:
		return false
	}
}
