package protocol

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := New(TaskStatus, map[string]any{
		"taskId":    "t-1",
		"sessionId": "s-1",
		"status":    "running",
	})

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Type != TaskStatus {
		t.Errorf("expected type %s, got %s", TaskStatus, decoded.Type)
	}
	if decoded.Str("taskId") != "t-1" {
		t.Errorf("expected taskId t-1, got %q", decoded.Str("taskId"))
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"BOGUS","payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestRecordedTypes(t *testing.T) {
	recorded := []MessageType{TaskStatus, AgentStatus, VerificationStatus}
	for _, mt := range recorded {
		if !mt.Recorded() {
			t.Errorf("expected %s to be timeline-recorded", mt)
		}
	}

	notRecorded := []MessageType{AgentOutput, AgentStream, SessionComplete, DAGRewrite}
	for _, mt := range notRecorded {
		if mt.Recorded() {
			t.Errorf("did not expect %s to be timeline-recorded", mt)
		}
	}
}

func TestPayloadAccessors(t *testing.T) {
	msg := New(GateResponse, map[string]any{"approved": true, "taskId": "t-9"})
	if !msg.Bool("approved") {
		t.Error("expected approved true")
	}
	if msg.Str("missing") != "" {
		t.Error("expected empty string for missing key")
	}
	if msg.Bool("taskId") {
		t.Error("expected false for non-bool field")
	}
}
