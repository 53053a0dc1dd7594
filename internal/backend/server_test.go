package backend

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chimera-gw/chimera/internal/domain/policy"
	"github.com/chimera-gw/chimera/pkg/mcp"
)

func callFrame(t *testing.T, id int, tool string, args map[string]interface{}) []byte {
	t.Helper()
	frame, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      tool,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

type rpcResponse struct {
	Result *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeResponse(t *testing.T, raw []byte) rpcResponse {
	t.Helper()
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response %s: %v", raw, err)
	}
	return resp
}

func textResult(t *testing.T, raw []byte) string {
	t.Helper()
	resp := decodeResponse(t, raw)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil || len(resp.Result.Content) == 0 {
		t.Fatalf("response has no content: %s", raw)
	}
	return resp.Result.Content[0].Text
}

func TestToolCallRoutedByWarrant(t *testing.T) {
	t.Parallel()
	env, authority := testEnv(t, WithSleep(func(time.Duration) {}))
	srv := NewServer(env, testLogger())
	ctx := context.Background()

	if err := env.production.store.PutPatient(ctx, Patient{
		ID: "100", Name: "Evelyn Reed", Diagnosis: "Hypertension", SSN: "532-48-1123",
	}); err != nil {
		t.Fatal(err)
	}

	prodFrame := callFrame(t, 1, "get_patient_record", map[string]interface{}{
		"patient_id":     "100",
		mcp.WarrantParam: issue(t, authority, "get_patient_record", policy.RouteProduction),
	})
	prodText := textResult(t, srv.HandleFrame(ctx, prodFrame))
	if !strings.Contains(prodText, "Evelyn Reed") {
		t.Errorf("production response %q does not carry the real record", prodText)
	}

	shadowFrame := callFrame(t, 2, "get_patient_record", map[string]interface{}{
		"patient_id":     "100",
		mcp.WarrantParam: issue(t, authority, "get_patient_record", policy.RouteShadow),
	})
	shadowText := textResult(t, srv.HandleFrame(ctx, shadowFrame))
	if strings.Contains(shadowText, "Evelyn Reed") {
		t.Errorf("shadow response %q leaked the production record", shadowText)
	}
	var rec Patient
	if err := json.Unmarshal([]byte(shadowText), &rec); err != nil {
		t.Fatalf("shadow response is not a patient record: %v", err)
	}
	if rec.ID != "100" || rec.Name == "" {
		t.Errorf("shadow record malformed: %+v", rec)
	}
}

func TestToolCallWithoutWarrantRejected(t *testing.T) {
	t.Parallel()
	env, _ := testEnv(t)
	srv := NewServer(env, testLogger())

	frame := callFrame(t, 1, "read_file", map[string]interface{}{"filename": "/tmp/x"})
	resp := decodeResponse(t, srv.HandleFrame(context.Background(), frame))
	if resp.Error == nil {
		t.Fatal("missing warrant was not rejected")
	}
	if resp.Error.Code != codeWarrantRejected {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeWarrantRejected)
	}
	if resp.Error.Message != warrantRejectedMessage {
		t.Errorf("error message = %q, want the generic text", resp.Error.Message)
	}
}

func TestTamperedWarrantRejectedGenerically(t *testing.T) {
	t.Parallel()
	env, authority := testEnv(t)
	srv := NewServer(env, testLogger())

	token := issue(t, authority, "read_file", policy.RouteShadow)
	frame := callFrame(t, 1, "read_file", map[string]interface{}{
		"filename":       "/data/private/x",
		mcp.WarrantParam: token[:len(token)-4] + "AAAA",
	})
	resp := decodeResponse(t, srv.HandleFrame(context.Background(), frame))
	if resp.Error == nil || resp.Error.Message != warrantRejectedMessage {
		t.Fatalf("tampered warrant response = %+v, want the generic rejection", resp.Error)
	}
}

func TestProductionMissIsPlainText(t *testing.T) {
	t.Parallel()
	env, authority := testEnv(t, WithSleep(func(time.Duration) {}))
	srv := NewServer(env, testLogger())

	frame := callFrame(t, 7, "get_patient_record", map[string]interface{}{
		"patient_id":     "404",
		mcp.WarrantParam: issue(t, authority, "get_patient_record", policy.RouteProduction),
	})
	text := textResult(t, srv.HandleFrame(context.Background(), frame))
	if text != "No patient record found for id 404" {
		t.Errorf("miss text = %q", text)
	}
}

func TestNumericPatientIDAccepted(t *testing.T) {
	t.Parallel()
	env, authority := testEnv(t, WithSleep(func(time.Duration) {}))
	srv := NewServer(env, testLogger())

	frame := callFrame(t, 3, "get_patient_record", map[string]interface{}{
		"patient_id":     100,
		mcp.WarrantParam: issue(t, authority, "get_patient_record", policy.RouteShadow),
	})
	text := textResult(t, srv.HandleFrame(context.Background(), frame))
	var rec Patient
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		t.Fatalf("response is not a record: %v", err)
	}
	if rec.ID != "100" {
		t.Errorf("record id = %q, want 100", rec.ID)
	}
}

func TestMissingArgumentIsInvalidParams(t *testing.T) {
	t.Parallel()
	env, authority := testEnv(t)
	srv := NewServer(env, testLogger())

	frame := callFrame(t, 4, "read_file", map[string]interface{}{
		mcp.WarrantParam: issue(t, authority, "read_file", policy.RouteProduction),
	})
	resp := decodeResponse(t, srv.HandleFrame(context.Background(), frame))
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("missing filename response = %+v, want -32602", resp.Error)
	}
}

func TestToolsListAdvertisesSchemas(t *testing.T) {
	t.Parallel()
	env, _ := testEnv(t)
	srv := NewServer(env, testLogger())

	frame := []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`)
	raw := srv.HandleFrame(context.Background(), frame)

	var resp struct {
		Result struct {
			Tools []ToolSchema `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result.Tools) != len(registeredTools) {
		t.Fatalf("tools/list returned %d tools, want %d", len(resp.Result.Tools), len(registeredTools))
	}
	names := make(map[string]bool)
	for _, tool := range resp.Result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"get_patient_record", "read_file", "list_files"} {
		if !names[want] {
			t.Errorf("tools/list missing %s", want)
		}
	}
}

func TestUnknownMethodAcknowledged(t *testing.T) {
	t.Parallel()
	env, _ := testEnv(t)
	srv := NewServer(env, testLogger())

	frame := []byte(`{"jsonrpc":"2.0","id":6,"method":"initialize","params":{}}`)
	raw := srv.HandleFrame(context.Background(), frame)
	if !strings.Contains(string(raw), `"status":"ok"`) {
		t.Errorf("initialize response = %s, want a generic ok", raw)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	t.Parallel()
	env, _ := testEnv(t)
	srv := NewServer(env, testLogger())

	frame := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp := srv.HandleFrame(context.Background(), frame); resp != nil {
		t.Errorf("notification produced a response: %s", resp)
	}
}

func TestParseErrorResponse(t *testing.T) {
	t.Parallel()
	env, _ := testEnv(t)
	srv := NewServer(env, testLogger())

	resp := decodeResponse(t, srv.HandleFrame(context.Background(), []byte("{nope")))
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("parse error response = %+v, want -32700", resp.Error)
	}
}

func TestHTTPHandlerDispatchesFrames(t *testing.T) {
	t.Parallel()
	env, authority := testEnv(t, WithSleep(func(time.Duration) {}))
	srv := NewServer(env, testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	frame := callFrame(t, 8, "get_patient_record", map[string]interface{}{
		"patient_id":     "8",
		mcp.WarrantParam: issue(t, authority, "get_patient_record", policy.RouteShadow),
	})
	res, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader(string(frame)))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Result == nil {
		t.Fatalf("HTTP dispatch returned no result: %+v", body)
	}

	get, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	get.Body.Close()
	if get.StatusCode != 405 {
		t.Errorf("GET status = %d, want 405", get.StatusCode)
	}
}
