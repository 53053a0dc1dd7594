package mcp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestEncodeDecodeRequest(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("MakeID failed: %v", err)
	}

	params := json.RawMessage(`{"name":"read_file","arguments":{"filename":"/data/notes.txt"}}`)
	req := &jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: params,
	}

	encoded, err := EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	decodedReq, ok := decoded.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected *jsonrpc.Request, got %T", decoded)
	}

	if decodedReq.Method != "tools/call" {
		t.Errorf("expected method 'tools/call', got %q", decodedReq.Method)
	}
}

func TestWrapMessage(t *testing.T) {
	tests := []struct {
		name         string
		raw          []byte
		dir          Direction
		wantMethod   string
		wantRequest  bool
		wantToolCall bool
		wantErr      bool
	}{
		{
			name:         "tools/call request agent to backend",
			raw:          []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file"}}`),
			dir:          AgentToBackend,
			wantMethod:   "tools/call",
			wantRequest:  true,
			wantToolCall: true,
		},
		{
			name:        "tools/list request",
			raw:         []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`),
			dir:         AgentToBackend,
			wantMethod:  "tools/list",
			wantRequest: true,
		},
		{
			name: "response backend to agent",
			raw:  []byte(`{"jsonrpc":"2.0","id":1,"result":{"content":"data"}}`),
			dir:  BackendToAgent,
		},
		{
			name:    "invalid json returns error",
			raw:     []byte(`{invalid`),
			dir:     AgentToBackend,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := WrapMessage(tt.raw, tt.dir)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if string(msg.Raw) != string(tt.raw) {
				t.Errorf("raw bytes not preserved: got %q, want %q", msg.Raw, tt.raw)
			}
			if msg.Direction != tt.dir {
				t.Errorf("direction: got %v, want %v", msg.Direction, tt.dir)
			}
			if msg.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
			if msg.Method() != tt.wantMethod {
				t.Errorf("Method(): got %q, want %q", msg.Method(), tt.wantMethod)
			}
			if msg.IsRequest() != tt.wantRequest {
				t.Errorf("IsRequest(): got %v, want %v", msg.IsRequest(), tt.wantRequest)
			}
			if msg.IsToolCall() != tt.wantToolCall {
				t.Errorf("IsToolCall(): got %v, want %v", msg.IsToolCall(), tt.wantToolCall)
			}
		})
	}
}

func TestDirectionString(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{AgentToBackend, "agent->backend"},
		{BackendToAgent, "backend->agent"},
		{Direction(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.dir.String(); got != tt.want {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestToolCallView(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{` +
		`"name":"get_patient_record",` +
		`"arguments":{"patient_id":100},` +
		`"context":{"user_id":"u1","user_role":"hr_manager","session_id":"sess-42"}}}`)

	msg, err := WrapMessage(raw, AgentToBackend)
	if err != nil {
		t.Fatalf("WrapMessage failed: %v", err)
	}

	tc := msg.ToolCall()
	if tc == nil {
		t.Fatal("ToolCall() returned nil")
	}
	if tc.Name != "get_patient_record" {
		t.Errorf("Name: got %q, want %q", tc.Name, "get_patient_record")
	}
	if got, _ := tc.Arguments["patient_id"].(float64); got != 100 {
		t.Errorf("Arguments[patient_id]: got %v, want 100", tc.Arguments["patient_id"])
	}
	if got, _ := tc.Context["user_role"].(string); got != "hr_manager" {
		t.Errorf("Context[user_role]: got %v, want hr_manager", tc.Context["user_role"])
	}
	if msg.SessionID() != "sess-42" {
		t.Errorf("SessionID(): got %q, want %q", msg.SessionID(), "sess-42")
	}
}

func TestToolCallViewNonCall(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	msg, err := WrapMessage(raw, AgentToBackend)
	if err != nil {
		t.Fatalf("WrapMessage failed: %v", err)
	}
	if msg.ToolCall() != nil {
		t.Error("ToolCall() should return nil for non tools/call")
	}
	if msg.SessionID() != "" {
		t.Error("SessionID() should be empty for non tools/call")
	}
}

func TestInjectWarrant(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":"call-9","method":"tools/call","params":{"name":"read_file","arguments":{"filename":"/x"}}}`)

	out, err := InjectWarrant(raw, "tok-abc")
	if err != nil {
		t.Fatalf("InjectWarrant failed: %v", err)
	}

	var frame struct {
		ID     json.RawMessage `json:"id"`
		Params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(out, &frame); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}

	if string(frame.ID) != `"call-9"` {
		t.Errorf("id bytes not preserved: got %s", frame.ID)
	}
	if frame.Params.Name != "read_file" {
		t.Errorf("name: got %q", frame.Params.Name)
	}
	if got, _ := frame.Params.Arguments[WarrantParam].(string); got != "tok-abc" {
		t.Errorf("warrant: got %v, want tok-abc", frame.Params.Arguments[WarrantParam])
	}
	if got, _ := frame.Params.Arguments["filename"].(string); got != "/x" {
		t.Errorf("original argument lost: got %v", frame.Params.Arguments["filename"])
	}
}

func TestInjectWarrantNoArguments(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ping"}}`)

	out, err := InjectWarrant(raw, "tok")
	if err != nil {
		t.Fatalf("InjectWarrant failed: %v", err)
	}
	if !strings.Contains(string(out), WarrantParam) {
		t.Errorf("warrant key missing from output: %s", out)
	}
}

func TestStripWarrant(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantSame bool
	}{
		{
			name:     "no warrant key is a passthrough",
			raw:      `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t","arguments":{"a":1}}}`,
			wantSame: true,
		},
		{
			name: "spoofed warrant removed",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t","arguments":{"a":1,"__chimera_warrant__":"forged"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := StripWarrant([]byte(tt.raw))
			if err != nil {
				t.Fatalf("StripWarrant failed: %v", err)
			}
			if tt.wantSame {
				if string(out) != tt.raw {
					t.Errorf("expected passthrough, got %s", out)
				}
				return
			}
			if strings.Contains(string(out), WarrantParam) {
				t.Errorf("warrant key survived strip: %s", out)
			}
			if !strings.Contains(string(out), `"a":1`) {
				t.Errorf("legitimate argument lost: %s", out)
			}
		})
	}
}

func TestScrubWarrantEcho(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"ok"}],"echo":{"__chimera_warrant__":"tok"}}}`)

	out, err := ScrubWarrantEcho(raw)
	if err != nil {
		t.Fatalf("ScrubWarrantEcho failed: %v", err)
	}
	if strings.Contains(string(out), WarrantParam) {
		t.Errorf("warrant echo survived scrub: %s", out)
	}
	if !strings.Contains(string(out), `"text":"ok"`) {
		t.Errorf("result content lost: %s", out)
	}

	// A clean response passes through untouched.
	clean := []byte(`{"jsonrpc":"2.0","id":4,"result":{"content":[]}}`)
	out, err = ScrubWarrantEcho(clean)
	if err != nil {
		t.Fatalf("ScrubWarrantEcho failed on clean frame: %v", err)
	}
	if string(out) != string(clean) {
		t.Errorf("clean frame modified: %s", out)
	}
}

func TestNewTextResult(t *testing.T) {
	out, err := NewTextResult(json.RawMessage(`42`), "hello")
	if err != nil {
		t.Fatalf("NewTextResult failed: %v", err)
	}

	var frame struct {
		Jsonrpc string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out, &frame); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if frame.Jsonrpc != "2.0" {
		t.Errorf("jsonrpc: got %q", frame.Jsonrpc)
	}
	if string(frame.ID) != "42" {
		t.Errorf("id: got %s, want 42", frame.ID)
	}
	if len(frame.Result.Content) != 1 || frame.Result.Content[0].Text != "hello" {
		t.Errorf("content: got %+v", frame.Result.Content)
	}
}

func TestRawIDPreservesFormat(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"numeric id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, "1"},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, `"abc"`},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Raw: []byte(tt.raw)}
			if got := string(msg.RawID()); got != tt.want {
				t.Errorf("RawID(): got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMessageWithNilDecoded(t *testing.T) {
	msg := &Message{
		Raw:       []byte(`invalid`),
		Direction: AgentToBackend,
		Decoded:   nil,
		Timestamp: time.Now(),
	}

	if msg.IsRequest() {
		t.Error("IsRequest() should return false for nil Decoded")
	}
	if msg.IsResponse() {
		t.Error("IsResponse() should return false for nil Decoded")
	}
	if msg.Method() != "" {
		t.Error("Method() should return empty string for nil Decoded")
	}
	if msg.IsToolCall() {
		t.Error("IsToolCall() should return false for nil Decoded")
	}
}
