package protocol

import "strings"

// SplitBlocks cuts text into one block per kind-prefixed line. Text before
// the first prefixed line becomes a block of its own. Blank blocks are
// dropped.
func SplitBlocks(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var blocks []string
	var cur []string
	flush := func() {
		if b := strings.TrimSpace(strings.Join(cur, "\n")); b != "" {
			blocks = append(blocks, b)
		}
		cur = cur[:0]
	}
	for _, line := range lines {
		if _, _, ok := matchKind(line); ok {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

// Accumulator collects the text chunks of one backend turn. The final result
// text is only used when the turn produced no streamed text, since most
// backends repeat the streamed text in their result.
type Accumulator struct {
	chunks []string
	result string
}

func (a *Accumulator) Add(chunk string) {
	if strings.TrimSpace(chunk) != "" {
		a.chunks = append(a.chunks, chunk)
	}
}

func (a *Accumulator) SetResult(text string) {
	a.result = text
}

// Flush returns the turn's protocol blocks and resets the accumulator.
func (a *Accumulator) Flush() []string {
	text := strings.Join(a.chunks, "\n")
	if strings.TrimSpace(text) == "" {
		text = a.result
	}
	a.chunks = nil
	a.result = ""
	return SplitBlocks(text)
}
