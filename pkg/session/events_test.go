package session

import "testing"

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantType    EventType
		wantData    string
		wantMessage string
		wantErr     bool
	}{
		{
			name:     "log pause detected",
			payload:  `{"type":"log","data":"pause_detected"}`,
			wantType: EventLog,
			wantData: LogPauseDetected,
		},
		{
			name:     "log response starting",
			payload:  `{"type":"log","data":"response_starting"}`,
			wantType: EventLog,
			wantData: LogResponseStarting,
		},
		{
			name:        "error",
			payload:     `{"type":"error","message":"session limit reached"}`,
			wantType:    EventError,
			wantMessage: "session limit reached",
		},
		{
			name:        "warning",
			payload:     `{"type":"warning","message":"degraded"}`,
			wantType:    EventWarning,
			wantMessage: "degraded",
		},
		{
			name:     "unknown type preserved",
			payload:  `{"type":"metrics","data":"x"}`,
			wantType: EventType("metrics"),
			wantData: "x",
		},
		{
			name:    "missing type",
			payload: `{"data":"pause_detected"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != tt.wantType {
				t.Errorf("type: got %s, want %s", ev.Type, tt.wantType)
			}
			if ev.Data != tt.wantData {
				t.Errorf("data: got %s, want %s", ev.Data, tt.wantData)
			}
			if ev.Message != tt.wantMessage {
				t.Errorf("message: got %s, want %s", ev.Message, tt.wantMessage)
			}
		})
	}
}

func TestErrorTypesUnwrap(t *testing.T) {
	inner := &SignalingError{Op: "probe", Status: 503}
	if inner.Error() != "signaling probe: status 503" {
		t.Errorf("unexpected message: %s", inner.Error())
	}

	neg := &NegotiationError{Op: "answer decode"}
	if neg.Unwrap() != nil {
		t.Error("expected nil unwrap for bare negotiation error")
	}
}
