package embedder

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultChunkSize is the target chunk length in bytes.
const DefaultChunkSize = 1500

// Chunk is one embeddable slice of a document.
type Chunk struct {
	Text   string
	Header string
	Index  int
}

type section struct {
	header string
	body   string
}

// ChunkMarkdown splits markdown at headings, then cuts long sections near
// maxChars at the best natural boundary. Each chunk carries the heading it
// falls under. Whitespace-only chunks are dropped.
func ChunkMarkdown(markdown string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	var chunks []Chunk
	for _, sec := range splitSections(markdown) {
		for _, piece := range splitBySize(sec.body, maxChars) {
			if strings.TrimSpace(piece) == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				Text:   strings.TrimSpace(piece),
				Header: sec.header,
				Index:  len(chunks),
			})
		}
	}
	return chunks
}

func splitSections(src string) []section {
	source := []byte(src)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	type mark struct {
		start  int
		header string
	}
	marks := []mark{{start: 0}}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			continue
		}
		seg := heading.Lines().At(0)
		marks = append(marks, mark{
			start:  lineStart(source, seg.Start),
			header: strings.TrimSpace(string(seg.Value(source))),
		})
	}

	var sections []section
	for i, m := range marks {
		end := len(src)
		if i+1 < len(marks) {
			end = marks[i+1].start
		}
		if end <= m.start {
			continue
		}
		body := src[m.start:end]
		if strings.TrimSpace(body) == "" {
			continue
		}
		sections = append(sections, section{header: m.header, body: body})
	}
	return sections
}

func lineStart(source []byte, pos int) int {
	for pos > 0 && source[pos-1] != '\n' {
		pos--
	}
	return pos
}

func splitBySize(text string, maxChars int) []string {
	var out []string
	for len(text) > maxChars {
		cut := breakPoint(text, maxChars)
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// breakPoint finds a cut at or before limit, searching the last 30% of the
// window for a paragraph, sentence, line or word boundary in that order.
func breakPoint(text string, limit int) int {
	searchStart := limit * 7 / 10
	window := text[searchStart:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx != -1 {
		return searchStart + idx + 2
	}
	best := -1
	for _, ending := range []string{".\n", "!\n", "?\n", ". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > best {
			best = idx
		}
	}
	if best != -1 {
		return searchStart + best + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx != -1 {
		return searchStart + idx + 1
	}
	if idx := strings.LastIndex(window, " "); idx != -1 {
		return searchStart + idx + 1
	}
	return runeSafe(text, limit)
}

// runeSafe backs limit off to the start of a UTF-8 sequence.
func runeSafe(text string, limit int) int {
	for limit > 0 && limit < len(text) && text[limit]&0xC0 == 0x80 {
		limit--
	}
	if limit == 0 {
		return len(text)
	}
	return limit
}
