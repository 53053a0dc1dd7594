package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chimera-gw/chimera/internal/domain/risk"
)

// chatServer fakes an OpenAI-compatible endpoint that always replies with
// the given message content.
func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("request path = %q, want /chat/completions", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPJudge_ParsesVerdict(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, `{"risk_score":0.95,"confidence":0.85,"reason":"bulk record dump","violation_tags":["data_exfiltration"]}`)
	defer ts.Close()

	judge := NewHTTPJudge(ts.URL, "test-key", "gpt-4o-mini")
	got := judge.Classify(context.Background(), "execute_query", map[string]interface{}{"query": "SELECT *"}, nil)

	if got.Risk != 0.95 {
		t.Errorf("Risk = %v, want 0.95", got.Risk)
	}
	if got.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", got.Confidence)
	}
	if got.Reason != "bulk record dump" {
		t.Errorf("Reason = %q, want %q", got.Reason, "bulk record dump")
	}
	if len(got.Tags) != 1 || got.Tags[0] != "data_exfiltration" {
		t.Errorf("Tags = %v, want [data_exfiltration]", got.Tags)
	}
}

func TestHTTPJudge_SendsPromptAndAuth(t *testing.T) {
	t.Parallel()

	var gotReq chatRequest
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"risk_score\":0.1}"}}]}`)
	}))
	defer ts.Close()

	judge := NewHTTPJudge(ts.URL, "secret-key", "gpt-4o-mini")
	judge.Classify(context.Background(), "read_file",
		map[string]interface{}{"filename": "notes.txt"},
		map[string]interface{}{"user_role": "analyst"})

	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want Bearer secret-key", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", gotReq.Model)
	}
	if gotReq.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", gotReq.Temperature)
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[0].Content != DefaultSystemPrompt {
		t.Errorf("system message = %+v, want default prompt", gotReq.Messages[0])
	}
	user := gotReq.Messages[1].Content
	for _, want := range []string{"read_file", `"filename":"notes.txt"`, `"user_role":"analyst"`} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestHTTPJudge_FencedVerdict(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, "```json\n{\"risk_score\": 0.7, \"confidence\": 0.9, \"reason\": \"keyword match\"}\n```")
	defer ts.Close()

	judge := NewHTTPJudge(ts.URL, "", "gpt-4o-mini")
	got := judge.Classify(context.Background(), "read_file", nil, nil)

	if got.Risk != 0.7 || got.Confidence != 0.9 {
		t.Errorf("got %+v, want risk 0.7 confidence 0.9", got)
	}
}

func TestHTTPJudge_MissingConfidenceDefaultsToOne(t *testing.T) {
	t.Parallel()

	ts := chatServer(t, `{"risk_score":0.3,"reason":"looks fine"}`)
	defer ts.Close()

	judge := NewHTTPJudge(ts.URL, "", "gpt-4o-mini")
	got := judge.Classify(context.Background(), "list_files", nil, nil)

	if got.Risk != 0.3 {
		t.Errorf("Risk = %v, want 0.3", got.Risk)
	}
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", got.Confidence)
	}
}

func TestHTTPJudge_DegradesToUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "verdict is prose",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[{"message":{"content":"this call seems dangerous to me"}}]}`)
			},
		},
		{
			name: "risk_score missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"confidence\":0.9,\"reason\":\"x\"}"}}]}`)
			},
		},
		{
			name: "risk_score out of range",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"risk_score\":1.5}"}}]}`)
			},
		},
		{
			name: "confidence out of range",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"risk_score\":0.5,\"confidence\":-0.2}"}}]}`)
			},
		},
		{
			name: "empty choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[]}`)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream overloaded", http.StatusInternalServerError)
			},
		},
		{
			name: "body is not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "<html>gateway timeout</html>")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			judge := NewHTTPJudge(ts.URL, "", "gpt-4o-mini")
			got := judge.Classify(context.Background(), "read_file", nil, nil)

			want := risk.Unavailable()
			if got.Risk != want.Risk || got.Confidence != want.Confidence || got.Reason != want.Reason {
				t.Errorf("got %+v, want Unavailable()", got)
			}
		})
	}
}

func TestHTTPJudge_BudgetExceeded(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"risk_score\":0.9}"}}]}`)
	}))
	defer ts.Close()

	judge := NewHTTPJudge(ts.URL, "", "gpt-4o-mini", WithBudget(50*time.Millisecond))

	start := time.Now()
	got := judge.Classify(context.Background(), "read_file", nil, nil)
	elapsed := time.Since(start)

	if got.Reason != "unavailable" {
		t.Errorf("got %+v, want Unavailable()", got)
	}
	if elapsed > time.Second {
		t.Errorf("Classify took %v, should return near the 50ms budget", elapsed)
	}
}

func TestHTTPJudge_UnreachableEndpoint(t *testing.T) {
	t.Parallel()

	// Closed port; connection refused immediately.
	judge := NewHTTPJudge("http://127.0.0.1:1", "", "gpt-4o-mini", WithBudget(200*time.Millisecond))
	got := judge.Classify(context.Background(), "read_file", nil, nil)

	if got.Reason != "unavailable" || got.Risk != 0 || got.Confidence != 0 {
		t.Errorf("got %+v, want Unavailable()", got)
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    risk.Assessment
	}{
		{
			name:    "bare object",
			content: `{"risk_score":0.2,"confidence":0.6,"reason":"ok","violation_tags":[]}`,
			want:    risk.Assessment{Risk: 0.2, Confidence: 0.6, Reason: "ok", Tags: []string{}},
		},
		{
			name:    "object with surrounding prose",
			content: "Here is my assessment: {\"risk_score\":0.8,\"confidence\":1.0,\"reason\":\"dump\"} Hope that helps.",
			want:    risk.Assessment{Risk: 0.8, Confidence: 1.0, Reason: "dump"},
		},
		{
			name:    "boundary values",
			content: `{"risk_score":1.0,"confidence":0.0,"reason":""}`,
			want:    risk.Assessment{Risk: 1.0, Confidence: 0.0},
		},
		{
			name:    "no braces at all",
			content: "cannot assess",
			want:    risk.Unavailable(),
		},
		{
			name:    "braces but broken json",
			content: "{risk_score: high}",
			want:    risk.Unavailable(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := parseVerdict(tt.content)
			if got.Risk != tt.want.Risk || got.Confidence != tt.want.Confidence || got.Reason != tt.want.Reason {
				t.Errorf("parseVerdict() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
