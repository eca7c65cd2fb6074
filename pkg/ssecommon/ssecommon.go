// Package ssecommon holds the Server-Sent-Events framing primitives
// shared by the MCP Router's SSE attach handler (C9) and the Transport
// Layer's write path (C10).
package ssecommon

import (
	"fmt"
	"strings"
	"time"
)

// SSEMessage is a single server-initiated event awaiting delivery to one
// or all connected clients of a session.
type SSEMessage struct {
	EventType      string
	Data           string
	TargetClientID string
	CreatedAt      time.Time
}

// NewSSEMessage creates a broadcast SSEMessage (no specific target).
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{EventType: eventType, Data: data, CreatedAt: time.Now()}
}

// WithTargetClientID narrows delivery to a single connection and
// returns the same instance for chaining.
func (m *SSEMessage) WithTargetClientID(clientID string) *SSEMessage {
	m.TargetClientID = clientID
	return m
}

// ToSSEString renders the message in the wire format defined by the SSE
// spec: an "event:" line, one "data:" line per line of Data (so
// multi-line payloads round-trip), and a terminating blank line.
func (m *SSEMessage) ToSSEString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", m.EventType)
	for _, line := range strings.Split(m.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

// PendingSSEMessage wraps an SSEMessage with the time it was enqueued
// for delivery, independent of when the message itself was created.
type PendingSSEMessage struct {
	Message   *SSEMessage
	CreatedAt time.Time
}

// NewPendingSSEMessage enqueues msg for delivery now.
func NewPendingSSEMessage(msg *SSEMessage) *PendingSSEMessage {
	return &PendingSSEMessage{Message: msg, CreatedAt: time.Now()}
}

// SSEClient is one attached SSE connection's outbound message buffer.
type SSEClient struct {
	MessageCh chan string
	CreatedAt time.Time
}

// NewSSEClient creates a client with a buffered outbound channel of the
// given capacity.
func NewSSEClient(bufferSize int) *SSEClient {
	return &SSEClient{MessageCh: make(chan string, bufferSize), CreatedAt: time.Now()}
}
