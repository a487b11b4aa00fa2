// ABOUTME: Wire messages exchanged with observers over the channel
// ABOUTME: Every frame is {type, payload, timestamp} in both directions

package channel

import (
	"encoding/json"
	"time"
)

// Client to server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeStatus      = "status"
	TypeCommand     = "command"
)

// Server to client message types not shared with the event bus.
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeDisconnected = "disconnected"
)

// Commands an admin connection may issue.
const (
	CommandRestartAgent = "restart-agent"
	CommandRestartAll   = "restart-all"
)

// Error codes carried in error and command_result messages.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthenticated  = "unauthenticated"
	CodePermissionDenied = "permission_denied"
	CodeRateLimited      = "rate_limited"
	CodeUnknownRoom      = "unknown_room"
	CodeUnknownCommand   = "unknown_command"
	CodeInternal         = "internal"
)

// Disconnect reasons.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonShutdown    = "shutdown"
	ReasonAuthTimeout = "auth_timeout"
)

// Message is an inbound frame. The payload is decoded per type.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuthPayload authenticates a connection with a token, or resumes a session.
type AuthPayload struct {
	Token   string `json:"token,omitempty"`
	Session string `json:"session,omitempty"`
}

// RoomsPayload names rooms to join or leave.
type RoomsPayload struct {
	Rooms []string `json:"rooms"`
}

// CommandPayload asks for an admin mutation.
type CommandPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command"`
	Agent     string `json:"agent,omitempty"`
}

// WelcomePayload acknowledges a successful auth.
type WelcomePayload struct {
	ConnectionID string   `json:"connection_id"`
	Session      string   `json:"session"`
	PrincipalID  string   `json:"principal_id"`
	Resumed      bool     `json:"resumed"`
	Rooms        []string `json:"rooms"`
}

// CommandResult answers a command.
type CommandResult struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
}

// ErrorPayload reports a rejected message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DisconnectedPayload is the last frame before the server closes a connection.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}
