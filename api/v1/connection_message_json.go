package v1

import "encoding/json"

// wireEnvelope is the JSON-on-the-wire shape of ConnectionMessage: a
// discriminant plus exactly one populated payload field. This is the
// same "tag + oneof payload" shape protoc-gen-go produces for a oneof
// field, expressed directly in JSON since this codec has no protobuf
// descriptor to drive reflection-based marshaling.
type wireEnvelope struct {
	Kind         messageKind          `json:"kind"`
	Register     *RegisterRequest     `json:"register,omitempty"`
	Status       *ConnectionStatus    `json:"status,omitempty"`
	Heartbeat    *Heartbeat           `json:"heartbeat,omitempty"`
	Request      *ForwardRequest      `json:"request,omitempty"`
	Response     *ForwardResponse     `json:"response,omitempty"`
	Event        *EventMessage        `json:"event,omitempty"`
	Subscription *SubscriptionRequest `json:"subscription,omitempty"`
}

func (c *ConnectionMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Kind:         c.kind,
		Register:     c.register,
		Status:       c.status,
		Heartbeat:    c.heartbeat,
		Request:      c.request,
		Response:     c.response,
		Event:        c.event,
		Subscription: c.subscription,
	})
}

func (c *ConnectionMessage) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.kind = w.Kind
	c.register = w.Register
	c.status = w.Status
	c.heartbeat = w.Heartbeat
	c.request = w.Request
	c.response = w.Response
	c.event = w.Event
	c.subscription = w.Subscription
	return nil
}
