// Package protocol defines the typed message envelope carried on the
// observer stream and between engine components.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates every message carried on the observer stream.
type MessageType string

// Session lifecycle.
const (
	SessionStart       MessageType = "SESSION_START"
	SessionComplete    MessageType = "SESSION_COMPLETE"
	SessionError       MessageType = "SESSION_ERROR"
	SessionWarning     MessageType = "SESSION_WARNING"
	ShutdownWarning    MessageType = "SHUTDOWN_WARNING"
	SessionInterrupted MessageType = "SESSION_INTERRUPTED"
	SessionResumed     MessageType = "SESSION_RESUMED"
)

// Planning.
const (
	PlanCreated  MessageType = "PLAN_CREATED"
	PlanResearch MessageType = "PLAN_RESEARCH"
)

// Execution.
const (
	TaskStatus  MessageType = "TASK_STATUS"
	AgentStatus MessageType = "AGENT_STATUS"
	AgentOutput MessageType = "AGENT_OUTPUT"
	AgentStream MessageType = "AGENT_STREAM"
)

// Verification.
const (
	VerificationStatus MessageType = "VERIFICATION_STATUS"
)

// Chat.
const (
	ChatMessage       MessageType = "CHAT_MESSAGE"
	ChatResponse      MessageType = "CHAT_RESPONSE"
	IterationStart    MessageType = "ITERATION_START"
	IterationComplete MessageType = "ITERATION_COMPLETE"
	ReconnectSync     MessageType = "RECONNECT_SYNC"
)

// Human gate.
const (
	GateRequest  MessageType = "GATE_REQUEST"
	GateResponse MessageType = "GATE_RESPONSE"
)

// Swarm execution.
const (
	DAGRewrite       MessageType = "DAG_REWRITE"
	SwarmWave        MessageType = "SWARM_WAVE"
	SwarmScaling     MessageType = "SWARM_SCALING"
	TaskSplit        MessageType = "TASK_SPLIT"
	SpeculativeStart MessageType = "SPECULATIVE_START"
)

// Subscriptions.
const (
	WSSubscribe   MessageType = "WS_SUBSCRIBE"
	WSUnsubscribe MessageType = "WS_UNSUBSCRIBE"
)

// Plugins and autopilot.
const (
	PluginEvent     MessageType = "PLUGIN_EVENT"
	SelfdevStart    MessageType = "SELFDEV_START"
	AutopilotStatus MessageType = "AUTOPILOT_STATUS"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

var knownTypes = map[MessageType]struct{}{
	SessionStart: {}, SessionComplete: {}, SessionError: {}, SessionWarning: {},
	ShutdownWarning: {}, SessionInterrupted: {}, SessionResumed: {},
	PlanCreated: {}, PlanResearch: {},
	TaskStatus: {}, AgentStatus: {}, AgentOutput: {}, AgentStream: {},
	VerificationStatus: {},
	ChatMessage:        {}, ChatResponse: {}, IterationStart: {}, IterationComplete: {}, ReconnectSync: {},
	GateRequest: {}, GateResponse: {},
	DAGRewrite: {}, SwarmWave: {}, SwarmScaling: {}, TaskSplit: {}, SpeculativeStart: {},
	WSSubscribe: {}, WSUnsubscribe: {},
	PluginEvent: {}, SelfdevStart: {}, AutopilotStatus: {},
}

// Recorded returns true if messages of this type are written into the
// owning session's timeline.
func (t MessageType) Recorded() bool {
	switch t {
	case TaskStatus, AgentStatus, VerificationStatus:
		return true
	default:
		return false
	}
}

// Message is the wire envelope: {type, payload} as UTF-8 JSON.
type Message struct {
	Type    MessageType    `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New builds a message with the given payload fields.
func New(t MessageType, payload map[string]any) Message {
	return Message{Type: t, Payload: payload}
}

// Encode serializes the message envelope to JSON.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a message envelope from JSON and validates its type.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("decode message: unknown type %q", m.Type)
	}
	return m, nil
}

// Str returns the payload field as a string, or "" when absent.
func (m Message) Str(key string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the payload field as a bool, or false when absent.
func (m Message) Bool(key string) bool {
	v, _ := m.Payload[key].(bool)
	return v
}
