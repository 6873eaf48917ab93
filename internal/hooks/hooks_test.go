package hooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeServer records the requests a hook makes.
type fakeServer struct {
	*httptest.Server
	mu          sync.Mutex
	captures    []Capture
	contextURL  string
	maintenance int
	context     string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{context: "- [Write] wrote file main.go\n"}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		switch {
		case r.URL.Path == "/api/health":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case r.URL.Path == "/api/observations" && r.Method == http.MethodPost:
			var c Capture
			if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			fs.captures = append(fs.captures, c)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"id": "x"})
		case r.URL.Path == "/api/context":
			fs.contextURL = r.URL.String()
			json.NewEncoder(w).Encode(map[string]any{"context": fs.context})
		case r.URL.Path == "/api/maintenance" && r.Method == http.MethodPost:
			fs.maintenance++
			json.NewEncoder(w).Encode(map[string]int{"consolidated": 0})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) client() *Client { return NewClientURL(fs.URL) }

func (fs *fakeServer) snapshot() (contextURL string, maintenance int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.contextURL, fs.maintenance
}

func (fs *fakeServer) captured() []Capture {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]Capture(nil), fs.captures...)
}

func TestStartInjectsContext(t *testing.T) {
	fs := newFakeServer(t)
	var out bytes.Buffer
	input := &HookInput{SessionID: "s1", CWD: "/home/dev/tiermem", HookEventName: "SessionStart"}

	if err := Dispatch(fs.client(), "start", input, &out); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var parsed SessionStartOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if parsed.HookSpecificOutput.HookEventName != "SessionStart" {
		t.Errorf("hookEventName = %q", parsed.HookSpecificOutput.HookEventName)
	}
	if parsed.HookSpecificOutput.AdditionalContext != fs.context {
		t.Errorf("additionalContext = %q", parsed.HookSpecificOutput.AdditionalContext)
	}
	if u, _ := fs.snapshot(); !strings.Contains(u, "q=tiermem") || !strings.Contains(u, "budget=4000") {
		t.Errorf("context request = %q", u)
	}
}

func TestStartEmptyOnServerDown(t *testing.T) {
	var out bytes.Buffer
	client := NewClientURL("http://127.0.0.1:1")
	if err := Dispatch(client, "start", &HookInput{}, &out); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	var parsed SessionStartOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if parsed.HookSpecificOutput.AdditionalContext != "" {
		t.Errorf("expected empty context, got %q", parsed.HookSpecificOutput.AdditionalContext)
	}
}

func TestServerDownIsSilent(t *testing.T) {
	var out bytes.Buffer
	client := NewClientURL("http://127.0.0.1:1")
	for _, event := range []string{"submit", "tool", "stop", "end"} {
		if err := Dispatch(client, event, &HookInput{Prompt: "x", ToolName: "Bash"}, &out); err != nil {
			t.Errorf("%s: %v", event, err)
		}
	}
	if out.Len() != 0 {
		t.Errorf("unexpected stdout: %q", out.String())
	}
}

func TestHandleStartEmptyStdin(t *testing.T) {
	var out bytes.Buffer
	Handle("start", strings.NewReader(""), &out)
	if !strings.Contains(out.String(), `"hookEventName":"SessionStart"`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestToolCapture(t *testing.T) {
	fs := newFakeServer(t)
	raw := `{
		"session_id": "abc123",
		"cwd": "/working/dir",
		"hook_event_name": "PostToolUse",
		"tool_name": "Edit",
		"tool_input": {"file_path": "/working/dir/main.go", "old_string": "a", "new_string": "b"},
		"tool_response": {"filePath": "/working/dir/main.go", "success": true}
	}`
	var input HookInput
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := Dispatch(fs.client(), "tool", &input, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := fs.captured()
	if len(got) != 1 {
		t.Fatalf("captures = %d, want 1", len(got))
	}
	c := got[0]
	if c.Source != "Edit" || c.Importance != 0.9 {
		t.Errorf("source/importance = %q/%v", c.Source, c.Importance)
	}
	if !strings.HasPrefix(c.Content, "Edit /working/dir/main.go") {
		t.Errorf("content = %q", c.Content)
	}
	if c.Metadata["file_path"] != "/working/dir/main.go" || c.Metadata["session_id"] != "abc123" {
		t.Errorf("metadata = %v", c.Metadata)
	}
}

func TestToolCaptureBashResponse(t *testing.T) {
	input := &HookInput{
		ToolName:     "Bash",
		ToolInput:    json.RawMessage(`{"command": "go test ./..."}`),
		ToolResponse: json.RawMessage(`{"stdout": "ok  \tgithub.com/x/y\t0.1s", "stderr": ""}`),
	}
	c := toolCapture(input)
	if c.Content != "Bash go test ./...\nok  \tgithub.com/x/y\t0.1s" {
		t.Errorf("content = %q", c.Content)
	}
	if c.Metadata["command"] != "go test ./..." {
		t.Errorf("metadata = %v", c.Metadata)
	}

	input.ToolResponse = json.RawMessage(`"` + strings.Repeat("y", 1000) + `"`)
	if c := toolCapture(input); len(c.Content) > len("Bash go test ./...\n")+maxResponseChars+3 {
		t.Errorf("response not truncated: %d chars", len(c.Content))
	}
}

func TestToolImportanceOrdering(t *testing.T) {
	edit, bash, grep, read := ToolImportance("Edit"), ToolImportance("Bash"), ToolImportance("Grep"), ToolImportance("Read")
	if !(edit > bash && bash > grep && grep > read) {
		t.Errorf("importance order edit=%v bash=%v grep=%v read=%v", edit, bash, grep, read)
	}
	if ToolImportance("SomethingNew") != defaultToolImportance {
		t.Error("unknown tools should get the default importance")
	}
}

func TestSkipTools(t *testing.T) {
	fs := newFakeServer(t)
	for _, name := range []string{"TodoRead", "TodoWrite", "Thinking", ""} {
		input := &HookInput{ToolName: name}
		if !input.ShouldSkipTool() {
			t.Errorf("expected %q to be skipped", name)
		}
		if err := Dispatch(fs.client(), "tool", input, nil); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if n := len(fs.captured()); n != 0 {
		t.Errorf("skipped tools produced %d captures", n)
	}

	input := &HookInput{ToolName: "Bash"}
	if input.ShouldSkipTool() {
		t.Error("expected Bash to NOT be skipped")
	}
}

func TestSubmitCapturesPrompt(t *testing.T) {
	fs := newFakeServer(t)
	client := fs.client()

	if err := Dispatch(client, "submit", &HookInput{SessionID: "s", Prompt: "help me fix this bug"}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := Dispatch(client, "submit", &HookInput{SessionID: "s", Prompt: "remember this: always use WAL mode"}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := Dispatch(client, "submit", &HookInput{SessionID: "s", Prompt: "   "}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := fs.captured()
	if len(got) != 2 {
		t.Fatalf("captures = %d, want 2", len(got))
	}
	if got[0].Importance != promptImportance || got[0].Source != "prompt" {
		t.Errorf("plain prompt = %+v", got[0])
	}
	if got[1].Importance != signalImportance || got[1].Metadata["signal"] != true {
		t.Errorf("signal prompt = %+v", got[1])
	}
}

func TestHasSignal(t *testing.T) {
	tests := []struct {
		prompt string
		want   bool
	}{
		{"remember this: always use WAL mode", true},
		{"I said don't forget about the config", true},
		{"always use devbox for development", true},
		{"never use CGO in this project", true},
		{"this is an architecture decision", true},
		{"we decided to use Go", true},
		{"the trick is to use buffered channels", true},
		{"the root cause was a race condition", true},
		{"the fix was to add a mutex", true},
		{"REMEMBER THIS: use WAL mode", true}, // case insensitive
		{"just a normal prompt with no signals", false},
		{"help me fix this bug", false},
		{"", false},
	}

	for _, tt := range tests {
		got := hasSignal(tt.prompt)
		if got != tt.want {
			t.Errorf("hasSignal(%q) = %v, want %v", tt.prompt, got, tt.want)
		}
	}
}

func TestStopCapturesResponse(t *testing.T) {
	fs := newFakeServer(t)
	input := &HookInput{SessionID: "s", LastAssistantMessage: "Renamed the handler and updated tests."}
	if err := Dispatch(fs.client(), "stop", input, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := Dispatch(fs.client(), "stop", &HookInput{}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := fs.captured()
	if len(got) != 1 {
		t.Fatalf("captures = %d, want 1", len(got))
	}
	if got[0].Source != "response" || got[0].Content != input.LastAssistantMessage {
		t.Errorf("capture = %+v", got[0])
	}
}

func TestEndTriggersMaintenance(t *testing.T) {
	fs := newFakeServer(t)
	if err := Dispatch(fs.client(), "end", &HookInput{Reason: "exit"}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, n := fs.snapshot(); n != 1 {
		t.Errorf("maintenance calls = %d, want 1", n)
	}
}

func TestUnknownEvent(t *testing.T) {
	fs := newFakeServer(t)
	if err := Dispatch(fs.client(), "bogus", &HookInput{}, nil); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestClientHealthyFalseWhenDown(t *testing.T) {
	t.Setenv("TIERMEM_URL", "http://127.0.0.1:1")
	client := NewClient()
	if client.Healthy() {
		t.Error("expected Healthy() = false when server is not running")
	}
}

func TestClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClientURL(ts.URL + "/")
	if _, err := client.Get("/x"); err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Errorf("Get err = %v", err)
	}
	if err := client.Capture(Capture{Content: "x"}); err == nil {
		t.Error("expected capture error")
	}
}
