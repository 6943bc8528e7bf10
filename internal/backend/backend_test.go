package backend

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/crew/internal/config"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		line string
		want Output
		ok   bool
	}{
		{`{"type":"system","subtype":"init","session_id":"abc"}`, Output{Kind: OutputSystem, SessionID: "abc"}, true},
		{`{"type":"assistant","message":{"content":[{"type":"text","text":"TASK: a"},{"type":"tool_use","id":"t1"},{"type":"text","text":"ASSIGN: developer-0"}]}}`,
			Output{Kind: OutputText, Text: "TASK: a\nASSIGN: developer-0"}, true},
		{`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1"}]}}`, Output{}, false},
		{`{"type":"result","result":"done","is_error":false,"session_id":"abc"}`, Output{Kind: OutputResult, Text: "done", SessionID: "abc"}, true},
		{`{"type":"error","error":"rate limited"}`, Output{Kind: OutputError, Text: "rate limited", IsError: true}, true},
		{`{"type":"user","message":{"content":[]}}`, Output{}, false},
	}
	for _, tt := range tests {
		got, ok, err := decodeLine([]byte(tt.line))
		if err != nil {
			t.Errorf("decodeLine(%s): %v", tt.line, err)
			continue
		}
		if ok != tt.ok || got != tt.want {
			t.Errorf("decodeLine(%s) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}

	if _, _, err := decodeLine([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestEncodeUserTurn(t *testing.T) {
	got, err := encodeUserTurn("hello")
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"user","message":{"role":"user","content":"hello"}}` + "\n"
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestClaudeArgs(t *testing.T) {
	got := claudeArgs(config.ClaudeConfig{Model: "sonnet", ExtraArgs: []string{"--permission-mode", "acceptEdits"}}, "sess-1")
	want := []string{
		"-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose",
		"--model", "sonnet",
		"--permission-mode", "acceptEdits",
		"--session-id", "sess-1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestOutputFinal(t *testing.T) {
	if (Output{Kind: OutputText}).Final() {
		t.Error("text is not final")
	}
	if !(Output{Kind: OutputResult}).Final() || !(Output{Kind: OutputError}).Final() {
		t.Error("result and error are final")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 5}
	tb.Write([]byte("hello world"))
	if got := tb.String(); got != "world" {
		t.Errorf("got %q", got)
	}
}

const fakeCLI = `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"s-1"}'
n=0
while IFS= read -r line; do
  n=$((n+1))
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"COMPLETE: turn '$n'"}]}}'
  echo '{"type":"result","result":"COMPLETE: turn '$n'","is_error":false,"session_id":"s-1"}'
done
exit 3
`

func writeFakeCLI(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a posix shell")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte(fakeCLI), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func nextTurn(t *testing.T, out <-chan Output) []Output {
	t.Helper()
	var got []Output
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-out:
			if !ok {
				t.Fatal("output closed early")
			}
			got = append(got, o)
			if o.Final() {
				return got
			}
		case <-timeout:
			t.Fatalf("timeout waiting for turn, got %+v", got)
		}
	}
}

func TestClaudeSpawnConversation(t *testing.T) {
	cli := writeFakeCLI(t)
	b := NewClaude(config.ClaudeConfig{CLIPath: cli})

	h, out, err := b.Spawn(context.Background(), "you are the developer", t.TempDir(), "s-1")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.Pid() <= 0 {
		t.Errorf("expected pid, got %d", h.Pid())
	}

	first := nextTurn(t, out)
	if first[0].Kind != OutputSystem || first[0].SessionID != "s-1" {
		t.Errorf("expected system init first, got %+v", first[0])
	}
	if first[len(first)-1].Text != "COMPLETE: turn 1" {
		t.Errorf("unexpected first turn %+v", first)
	}

	if err := h.Send("NEW TASK from architect:\nAPPROVED: developer-0"); err != nil {
		t.Fatalf("send: %v", err)
	}
	second := nextTurn(t, out)
	if second[0].Kind != OutputText || !strings.Contains(second[0].Text, "turn 2") {
		t.Errorf("unexpected second turn %+v", second)
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := h.Send("late"); err == nil {
		t.Error("expected send after terminate to fail")
	}
	if err := h.Kill(); err != nil {
		t.Errorf("kill after exit should be a no-op, got %v", err)
	}

	for range out {
	}
}

func TestClaudeSpawnMissingBinary(t *testing.T) {
	b := NewClaude(config.ClaudeConfig{CLIPath: filepath.Join(t.TempDir(), "missing")})
	if _, _, err := b.Spawn(context.Background(), "hi", t.TempDir(), ""); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(config.BackendConfig{Kind: "gemini"}); err == nil {
		t.Fatal("expected error")
	}
	b, err := New(config.BackendConfig{Kind: config.BackendClaude})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "claude" {
		t.Errorf("got %s", b.Name())
	}
}
