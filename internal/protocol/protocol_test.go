package protocol

import (
	"reflect"
	"testing"
)

func TestParseKinds(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		arg  string
	}{
		{"TASK: Add login button", KindTask, "Add login button"},
		{"APPROVED: developer-1 looks good", KindApproved, "developer-1 looks good"},
		{"REJECTED: too broad", KindRejected, "too broad"},
		{"COMPLETE: button added", KindComplete, "button added"},
		{"BLOCKED: missing credentials", KindBlocked, "missing credentials"},
		{"INTERRUPT: developer-0 stop", KindInterrupt, "developer-0 stop"},
		{"CREW: 3", KindCrew, "3"},
		{"RELIEVE: manager - stuck in loop", KindRelieve, "manager - stuck in loop"},
		{"EVALUATION: 7/10", KindEvaluation, "7/10"},
		{"OBSERVATION: tests are flaky", KindObservation, "tests are flaky"},
		{"GOAL COMPLETE: done", KindGoalComplete, "done"},
		{"  TASK:   padded  ", KindTask, "padded"},
	}
	for _, tt := range tests {
		got := Parse(tt.in)
		if got.Kind != tt.kind {
			t.Errorf("Parse(%q).Kind = %s, want %s", tt.in, got.Kind, tt.kind)
		}
		if got.Arg != tt.arg {
			t.Errorf("Parse(%q).Arg = %q, want %q", tt.in, got.Arg, tt.arg)
		}
	}
}

func TestParseFieldsInOrder(t *testing.T) {
	in := "TASK: Add login button\nASSIGN: developer-1\nFILES: web/login.tsx\nACCEPTANCE CRITERIA: renders\n  and submits\nTASK: next one"
	got := Parse(in)

	want := []Field{
		{Label: "ASSIGN", Value: "developer-1"},
		{Label: "FILES", Value: "web/login.tsx"},
		{Label: "ACCEPTANCE CRITERIA", Value: "renders\n  and submits"},
	}
	if !reflect.DeepEqual(got.Fields, want) {
		t.Errorf("fields = %#v, want %#v", got.Fields, want)
	}
	if v, ok := got.Field("ASSIGN"); !ok || v != "developer-1" {
		t.Errorf("Field(ASSIGN) = %q, %v", v, ok)
	}
	if _, ok := got.Field("MISSING"); ok {
		t.Error("expected missing field to report false")
	}
}

func TestParseBody(t *testing.T) {
	got := Parse("TASK: Refactor store\nSplit the file in two.\nKeep the API.\nPRIORITY: high")
	if got.Body != "Split the file in two.\nKeep the API." {
		t.Errorf("body = %q", got.Body)
	}
	if v, _ := got.Field("PRIORITY"); v != "high" {
		t.Errorf("priority = %q", v)
	}
}

func TestParseIgnoresLowercaseLabels(t *testing.T) {
	got := Parse("COMPLETE: done\nNote: lower case is body\nhttp://example.com")
	if len(got.Fields) != 0 {
		t.Errorf("expected no fields, got %#v", got.Fields)
	}
}

func TestParseUnrecognizedPreservesText(t *testing.T) {
	inputs := []string{
		"",
		"just thinking out loud",
		"task: lower case prefix\nmore",
		"Some text\n  with indentation\n",
	}
	for _, in := range inputs {
		got := Parse(in)
		if got.Kind != KindUnrecognized {
			t.Errorf("Parse(%q).Kind = %s, want unrecognized", in, got.Kind)
		}
		if got.Raw != in {
			t.Errorf("raw text not preserved: %q", got.Raw)
		}
		if len(got.Fields) != 1 || got.Fields[0].Label != RawField || got.Fields[0].Value != in {
			t.Errorf("expected single raw field, got %#v", got.Fields)
		}
	}
}

func TestParseIsDeterministic(t *testing.T) {
	inputs := []string{
		"TASK: a\nASSIGN: developer-2\nNOTES: x",
		"garbage",
		"preamble\nCREW: 2",
	}
	for _, in := range inputs {
		a, b := Parse(in), Parse(in)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Parse(%q) not deterministic: %#v vs %#v", in, a, b)
		}
	}
}

func TestParseFindsPrefixAfterPreamble(t *testing.T) {
	got := Parse("Sure, here is my decision.\nCREW: 2")
	if got.Kind != KindCrew || got.Arg != "2" {
		t.Errorf("got %s %q", got.Kind, got.Arg)
	}
}

func TestSplitBlocks(t *testing.T) {
	in := "Thinking about it.\n\nTASK: one\nASSIGN: developer-0\n\nTASK: two\nCREW: 2\n"
	got := SplitBlocks(in)
	want := []string{
		"Thinking about it.",
		"TASK: one\nASSIGN: developer-0",
		"TASK: two",
		"CREW: 2",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitBlocks = %#v, want %#v", got, want)
	}
	if blocks := SplitBlocks("  \n\n"); len(blocks) != 0 {
		t.Errorf("expected no blocks for blank text, got %#v", blocks)
	}
}

func TestAccumulator(t *testing.T) {
	var a Accumulator
	a.Add("APPROVED: developer-0")
	a.Add("   ")
	a.Add("COMPLETE: not really")
	a.SetResult("APPROVED: developer-0\nCOMPLETE: not really")

	got := a.Flush()
	if len(got) != 2 {
		t.Fatalf("expected streamed text to win over result, got %#v", got)
	}

	a.SetResult("GOAL COMPLETE: done")
	got = a.Flush()
	if len(got) != 1 || got[0] != "GOAL COMPLETE: done" {
		t.Errorf("expected result text fallback, got %#v", got)
	}

	if got := a.Flush(); len(got) != 0 {
		t.Errorf("expected empty flush after reset, got %#v", got)
	}
}

func TestPrefix(t *testing.T) {
	if Prefix(KindGoalComplete) != "GOAL COMPLETE:" {
		t.Error("unexpected goal complete prefix")
	}
	if Prefix(KindUnrecognized) != "" {
		t.Error("unrecognized has no prefix")
	}
}
