package v1

import (
	"encoding/json"
	"testing"
)

func TestConnectionMessageRoundTripsThroughJSON(t *testing.T) {
	want := NewRequestMessage(&ForwardRequest{
		RequestID:  "r-1",
		MethodPath: "/pkg.Svc/Echo",
		Headers:    map[string]string{"x": "y"},
		Payload:    []byte{0x01, 0x02},
		StreamingInfo: &StreamingInfo{
			StreamType:  StreamTypeUnary,
			IsStreamEnd: true,
		},
	})

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got := new(ConnectionMessage)
	if err := json.Unmarshal(data, got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.GetRequest() == nil {
		t.Fatalf("round-tripped message lost its Request payload")
	}
	if got.GetRequest().RequestID != "r-1" || got.GetRequest().MethodPath != "/pkg.Svc/Echo" {
		t.Fatalf("round-tripped request = %+v", got.GetRequest())
	}
	if got.GetResponse() != nil || got.GetStatus() != nil {
		t.Fatalf("round-tripped message populated an unrelated oneof field")
	}
}

func TestForwardRequestResponseRoundTrip(t *testing.T) {
	req := &ForwardRequest{RequestID: "r-2", MethodPath: "/pkg.Svc/Echo", Payload: []byte("abc")}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got ForwardRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.RequestID != req.RequestID || got.MethodPath != req.MethodPath || string(got.Payload) != string(req.Payload) {
		t.Fatalf("ForwardRequest round trip = %+v, want %+v", got, req)
	}
}
