package backend

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// maxLineSize bounds a single stream-json line from the assistant CLI.
const maxLineSize = 4 << 20

type userInput struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func encodeUserTurn(text string) ([]byte, error) {
	data, err := json.Marshal(userInput{
		Type:    "user",
		Message: userMessage{Role: "user", Content: text},
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type streamLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  *string `json:"result"`
	IsError bool    `json:"is_error"`
	Error   string  `json:"error"`
}

// decodeLine converts one stream-json line. ok is false for events the
// coordinator does not care about (tool use, partial deltas, unknown types).
func decodeLine(line []byte) (Output, bool, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return Output{}, false, err
	}

	switch sl.Type {
	case "system":
		return Output{Kind: OutputSystem, SessionID: sl.SessionID}, true, nil
	case "assistant":
		var parts []string
		for _, block := range sl.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) == 0 {
			return Output{}, false, nil
		}
		return Output{Kind: OutputText, Text: strings.Join(parts, "\n")}, true, nil
	case "result":
		out := Output{Kind: OutputResult, SessionID: sl.SessionID, IsError: sl.IsError}
		if sl.Result != nil {
			out.Text = *sl.Result
		}
		return out, true, nil
	case "error":
		msg := sl.Error
		if msg == "" && sl.Result != nil {
			msg = *sl.Result
		}
		return Output{Kind: OutputError, Text: msg, IsError: true}, true, nil
	}
	return Output{}, false, nil
}

// pump decodes stream-json from r onto out until r is exhausted, then closes
// out.
func pump(r io.Reader, out chan<- Output, name string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		o, ok, err := decodeLine(line)
		if err != nil {
			slog.Warn("unparseable backend output", "backend", name, "error", err, "line", truncate(string(line), 200))
			continue
		}
		if ok {
			out <- o
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("backend output stream error", "backend", name, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
