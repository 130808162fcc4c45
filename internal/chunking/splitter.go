package chunking

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ameureka/ai-deepresearch-agent/internal/model"
)

const (
	DefaultMaxChunkSize = 6000
	DefaultOverlap      = 200

	// charsPerToken converts token budgets into character counts for slicing.
	charsPerToken = 4

	paragraphSep = "\n\n"
)

// Latin terminators need trailing whitespace, CJK terminators split directly.
var sentenceEnd = regexp.MustCompile(`[.!?]\s+|[。！？]\s*`)

// Chunk is one slice of an oversized text plus the overlap captured from its
// neighbours. Prev and Next are empty at the edges.
type Chunk struct {
	Index int
	Total int
	Text  string
	Prev  string
	Next  string
}

func (c Chunk) IsFirst() bool { return c.Index == 0 }
func (c Chunk) IsLast() bool  { return c.Index == c.Total-1 }

// Splitter breaks text on paragraph boundaries so that each piece stays
// under MaxChunkSize estimated tokens.
type Splitter struct {
	MaxChunkSize int
	Overlap      int
}

func NewSplitter(maxChunkSize, overlap int) Splitter {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	return Splitter{MaxChunkSize: maxChunkSize, Overlap: overlap}
}

// Split groups paragraphs greedily. A paragraph larger than the limit on its
// own is cut at sentence boundaries, or at fixed width when it has none.
func (s Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	var (
		chunks  []string
		current []string
		tokens  int
	)
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, paragraphSep))
			current = nil
			tokens = 0
		}
	}
	for _, para := range strings.Split(text, paragraphSep) {
		n := model.EstimateTokens(para)
		if tokens+n > s.MaxChunkSize {
			flush()
		}
		if n > s.MaxChunkSize {
			chunks = append(chunks, s.splitParagraph(para)...)
			continue
		}
		current = append(current, para)
		tokens += n
	}
	flush()
	return chunks
}

func (s Splitter) splitParagraph(para string) []string {
	sentences := splitSentences(para)
	if len(sentences) <= 1 {
		return fixedWidth(para, s.MaxChunkSize*charsPerToken)
	}
	var (
		chunks  []string
		current []string
		tokens  int
	)
	for _, sent := range sentences {
		n := model.EstimateTokens(sent)
		if tokens+n > s.MaxChunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = nil
			tokens = 0
		}
		current = append(current, sent)
		tokens += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// splitSentences keeps each terminator attached to its sentence and drops the
// whitespace that followed it.
func splitSentences(para string) []string {
	var out []string
	start := 0
	for _, m := range sentenceEnd.FindAllStringIndex(para, -1) {
		_, size := utf8.DecodeRuneInString(para[m[0]:])
		if sent := para[start : m[0]+size]; strings.TrimSpace(sent) != "" {
			out = append(out, sent)
		}
		start = m[1]
	}
	if start < len(para) && strings.TrimSpace(para[start:]) != "" {
		out = append(out, para[start:])
	}
	return out
}

func fixedWidth(text string, width int) []string {
	runes := []rune(text)
	if width <= 0 || len(runes) <= width {
		return []string{text}
	}
	var out []string
	for i := 0; i < len(runes); i += width {
		end := i + width
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// Chunks splits text and attaches neighbour overlap to every piece.
func (s Splitter) Chunks(text string) []Chunk {
	parts := s.Split(text)
	out := make([]Chunk, len(parts))
	width := s.Overlap * charsPerToken
	for i, p := range parts {
		c := Chunk{Index: i, Total: len(parts), Text: p}
		if i > 0 {
			c.Prev = tail(parts[i-1], width)
		}
		if i < len(parts)-1 {
			c.Next = head(parts[i+1], width)
		}
		out[i] = c
	}
	return out
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

const defaultInstruction = "Process the current section and keep it coherent with the surrounding context."

// BuildPrompt renders the positional context for c ahead of its content.
// An empty instruction uses the default one.
func BuildPrompt(c Chunk, instruction string) string {
	if strings.TrimSpace(instruction) == "" {
		instruction = defaultInstruction
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Position: %d/%d]\n", c.Index+1, c.Total)
	if c.Prev != "" {
		b.WriteString("[Previous context, ending]:\n..." + c.Prev + "\n\n")
	}
	b.WriteString("[Current section]:\n" + c.Text + "\n\n")
	if c.Next != "" {
		b.WriteString("[Next context, beginning]:\n" + c.Next + "...\n\n")
	}
	switch {
	case c.IsFirst():
		b.WriteString("Note: This is the first chunk, introduce the topic.\n")
	case c.IsLast():
		b.WriteString("Note: This is the last chunk, provide a conclusion.\n")
	default:
		b.WriteString("Note: This is a middle chunk, maintain continuity.\n")
	}
	b.WriteString("\n" + instruction)
	return b.String()
}

// Merge joins processed pieces with a blank line. Content repeated through the
// overlap window is not removed.
func Merge(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return strings.Join(parts, paragraphSep)
}
