// Package v1 defines the wire messages and gRPC service contract for
// registry.RegistryService: the unary Register call and the
// bidirectional EstablishConnection stream that carries tunneled
// traffic between a backend and the gateway.
package v1

import "time"

// StreamType distinguishes the four RPC shapes multiplexed over a tunnel.
type StreamType int32

const (
	StreamTypeUnary StreamType = iota
	StreamTypeClientStreaming
	StreamTypeServerStreaming
	StreamTypeBidirectionalStreaming
)

func (s StreamType) String() string {
	switch s {
	case StreamTypeUnary:
		return "Unary"
	case StreamTypeClientStreaming:
		return "ClientStreaming"
	case StreamTypeServerStreaming:
		return "ServerStreaming"
	case StreamTypeBidirectionalStreaming:
		return "BidirectionalStreaming"
	default:
		return "Unknown"
	}
}

// ConnectionStatusType enumerates the Status frame's status field.
type ConnectionStatusType int32

const (
	StatusUnknown ConnectionStatusType = iota
	StatusConnected
	StatusDisconnected
)

// RegisterRequest is the body of the unary Register call, and also the
// mandatory first frame of an EstablishConnection stream.
type RegisterRequest struct {
	APIKey       string   `json:"api_key"`
	Address      string   `json:"address,omitempty"`
	ConnectionID string   `json:"connection_id,omitempty"`
	Services     []string `json:"services"`
}

// RegisterResponse acknowledges a Register call.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConnectionStatus reports a lifecycle transition for a tunnel.
type ConnectionStatus struct {
	ConnectionID string               `json:"connection_id"`
	Status       ConnectionStatusType `json:"status"`
	Message      string               `json:"message,omitempty"`
}

// Heartbeat carries liveness for a connection-id (or, on the legacy
// compatibility path, a service name).
type Heartbeat struct {
	ConnectionID string `json:"connection_id"`
}

// StreamingInfo tags a ForwardRequest with its streaming shape and its
// position within a multi-chunk request.
type StreamingInfo struct {
	StreamType     StreamType    `json:"stream_type"`
	IsStreamEnd    bool          `json:"is_stream_end"`
	SequenceNumber int64         `json:"sequence_number"`
	ChunkSize      int32         `json:"chunk_size,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// ForwardRequest is a service-to-service call carried over a tunnel, in
// either direction.
type ForwardRequest struct {
	RequestID      string            `json:"request_id"`
	MethodPath     string            `json:"method_path"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        []byte            `json:"payload,omitempty"`
	TimeoutSeconds int32             `json:"timeout_seconds,omitempty"`
	StreamingInfo  *StreamingInfo    `json:"streaming_info,omitempty"`
}

// ResponseStreamInfo tags a ForwardResponse chunk for reassembly.
type ResponseStreamInfo struct {
	IsStreamed bool   `json:"is_streamed"`
	ChunkIndex int32  `json:"chunk_index"`
	IsFinal    bool   `json:"is_final_chunk"`
	ChunkSize  int32  `json:"chunk_size,omitempty"`
	TotalSize  *int64 `json:"total_size,omitempty"`
}

// ForwardResponse is the reply to a ForwardRequest, correlated by RequestID.
type ForwardResponse struct {
	RequestID          string              `json:"request_id"`
	StatusCode         int32               `json:"status_code"`
	Headers            map[string]string   `json:"headers,omitempty"`
	Payload            []byte              `json:"payload,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	StreamingInfo      *StreamingInfo      `json:"streaming_info,omitempty"`
	ResponseStreamInfo *ResponseStreamInfo `json:"response_stream_info,omitempty"`
}

// EventMessage is a published event fanned out over the event bus.
type EventMessage struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Payload   []byte            `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SubscriptionRequest asks the gateway to start or stop delivering a
// given event type to the calling tunnel.
type SubscriptionRequest struct {
	EventType string `json:"event_type"`
	Subscribe bool   `json:"subscribe"`
}

// messageKind tags which field of ConnectionMessage is populated,
// mirroring the discriminant protoc-gen-go would emit for a oneof.
type messageKind int32

const (
	kindNone messageKind = iota
	kindRegister
	kindStatus
	kindHeartbeat
	kindRequest
	kindResponse
	kindEvent
	kindSubscription
)

// ConnectionMessage is the tagged union carried by EstablishConnection
// in both directions. Exactly one of the typed accessors returns
// non-nil, selected by the unexported kind tag.
type ConnectionMessage struct {
	kind         messageKind
	register     *RegisterRequest
	status       *ConnectionStatus
	heartbeat    *Heartbeat
	request      *ForwardRequest
	response     *ForwardResponse
	event        *EventMessage
	subscription *SubscriptionRequest
}

func NewRegisterMessage(m *RegisterRequest) *ConnectionMessage {
	return &ConnectionMessage{kind: kindRegister, register: m}
}

func NewStatusMessage(m *ConnectionStatus) *ConnectionMessage {
	return &ConnectionMessage{kind: kindStatus, status: m}
}

func NewHeartbeatMessage(m *Heartbeat) *ConnectionMessage {
	return &ConnectionMessage{kind: kindHeartbeat, heartbeat: m}
}

func NewRequestMessage(m *ForwardRequest) *ConnectionMessage {
	return &ConnectionMessage{kind: kindRequest, request: m}
}

func NewResponseMessage(m *ForwardResponse) *ConnectionMessage {
	return &ConnectionMessage{kind: kindResponse, response: m}
}

func NewEventMessage(m *EventMessage) *ConnectionMessage {
	return &ConnectionMessage{kind: kindEvent, event: m}
}

func NewSubscriptionMessage(m *SubscriptionRequest) *ConnectionMessage {
	return &ConnectionMessage{kind: kindSubscription, subscription: m}
}

func (c *ConnectionMessage) GetRegister() *RegisterRequest { return c.register }
func (c *ConnectionMessage) GetStatus() *ConnectionStatus  { return c.status }
func (c *ConnectionMessage) GetHeartbeat() *Heartbeat      { return c.heartbeat }
func (c *ConnectionMessage) GetRequest() *ForwardRequest   { return c.request }
func (c *ConnectionMessage) GetResponse() *ForwardResponse { return c.response }
func (c *ConnectionMessage) GetEvent() *EventMessage       { return c.event }
func (c *ConnectionMessage) GetSubscription() *SubscriptionRequest {
	return c.subscription
}
