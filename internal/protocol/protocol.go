// Package protocol turns free-form agent output into typed records. Parsing
// never fails: anything without a known prefix is Unrecognized.
package protocol

import (
	"strings"
)

type Kind string

const (
	KindTask         Kind = "task"
	KindApproved     Kind = "approved"
	KindRejected     Kind = "rejected"
	KindComplete     Kind = "complete"
	KindBlocked      Kind = "blocked"
	KindInterrupt    Kind = "interrupt"
	KindCrew         Kind = "crew"
	KindRelieve      Kind = "relieve"
	KindEvaluation   Kind = "evaluation"
	KindObservation  Kind = "observation"
	KindGoalComplete Kind = "goal_complete"
	KindUnrecognized Kind = "unrecognized"
)

// RawField is the label under which an Unrecognized block keeps its text.
const RawField = "RAW"

var prefixes = []struct {
	token string
	kind  Kind
}{
	{"TASK:", KindTask},
	{"APPROVED:", KindApproved},
	{"REJECTED:", KindRejected},
	{"COMPLETE:", KindComplete},
	{"BLOCKED:", KindBlocked},
	{"INTERRUPT:", KindInterrupt},
	{"CREW:", KindCrew},
	{"RELIEVE:", KindRelieve},
	{"EVALUATION:", KindEvaluation},
	{"OBSERVATION:", KindObservation},
	{"GOAL COMPLETE:", KindGoalComplete},
}

// Prefix returns the line token for k, or "" for Unrecognized.
func Prefix(k Kind) string {
	for _, p := range prefixes {
		if p.kind == k {
			return p.token
		}
	}
	return ""
}

type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type ParsedOutput struct {
	Kind Kind `json:"kind"`
	// Arg is the text after the kind prefix, trimmed.
	Arg string `json:"arg"`
	// Body holds unlabeled lines between the kind line and the first field.
	Body   string  `json:"body,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Raw    string  `json:"raw"`
}

// Field returns the first field with the given label.
func (p ParsedOutput) Field(label string) (string, bool) {
	for _, f := range p.Fields {
		if f.Label == label {
			return f.Value, true
		}
	}
	return "", false
}

// Summary is a single-line description used in logs and the task log.
func (p ParsedOutput) Summary() string {
	if p.Kind == KindUnrecognized {
		return firstLine(p.Raw)
	}
	return p.Arg
}

func matchKind(line string) (Kind, string, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(trimmed, p.token); ok {
			return p.kind, strings.TrimSpace(rest), true
		}
	}
	return "", "", false
}

// matchLabel recognises "LABEL: value" where LABEL is upper case letters,
// digits, spaces, '_' or '-' and contains at least one letter.
func matchLabel(line string) (string, string, bool) {
	label, value, ok := strings.Cut(strings.TrimLeft(line, " \t"), ":")
	if !ok || label == "" || label != strings.TrimSpace(label) {
		return "", "", false
	}
	hasLetter := false
	for _, r := range label {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9', r == ' ', r == '_', r == '-':
		default:
			return "", "", false
		}
	}
	if !hasLetter {
		return "", "", false
	}
	return label, strings.TrimSpace(value), true
}

// Parse scans text for the first kind-prefixed line. Labeled lines after it
// become fields, in order, up to the next kind-prefixed line.
func Parse(text string) ParsedOutput {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	start := -1
	var out ParsedOutput
	for i, line := range lines {
		if kind, arg, ok := matchKind(line); ok {
			out.Kind, out.Arg = kind, arg
			start = i
			break
		}
	}
	if start < 0 {
		return ParsedOutput{
			Kind:   KindUnrecognized,
			Fields: []Field{{Label: RawField, Value: text}},
			Raw:    text,
		}
	}

	var body []string
	current := -1
	for _, line := range lines[start+1:] {
		if _, _, ok := matchKind(line); ok {
			break
		}
		if label, value, ok := matchLabel(line); ok {
			out.Fields = append(out.Fields, Field{Label: label, Value: value})
			current = len(out.Fields) - 1
			continue
		}
		if current < 0 {
			body = append(body, line)
			continue
		}
		f := &out.Fields[current]
		if f.Value == "" {
			f.Value = strings.TrimSpace(line)
		} else {
			f.Value += "\n" + strings.TrimRight(line, " \t")
		}
	}
	for i := range out.Fields {
		out.Fields[i].Value = strings.TrimSpace(out.Fields[i].Value)
	}
	out.Body = strings.TrimSpace(strings.Join(body, "\n"))
	out.Raw = text
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
