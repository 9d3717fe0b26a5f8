// Package chunk splits resolved content into bounded-size chunks, preferring
// paragraph and then sentence boundaries.
package chunk

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cordum/ragops/core/ingest"
)

// span is a trimmed region of the original content.
type span struct {
	start int
	end   int
}

func (s span) size() int { return s.end - s.start }

// Chunker packs paragraphs into chunks of at most maxSize bytes. Paragraphs
// that do not fit are split at sentences, and sentences that do not fit are
// split at the last space before the limit.
type Chunker struct{}

func New() *Chunker { return &Chunker{} }

// Chunk returns chunks whose Text is a verbatim slice of content starting at
// Offset. Seq numbers are local to this call.
func (c *Chunker) Chunk(ctx context.Context, content string, maxSize int) ([]ingest.Chunk, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max chunk size must be positive, got %d", maxSize)
	}
	var units []span
	for _, para := range paragraphs(content) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if para.size() <= maxSize {
			units = append(units, para)
			continue
		}
		for _, sent := range sentences(content, para) {
			if sent.size() <= maxSize {
				units = append(units, sent)
				continue
			}
			units = append(units, hardSplit(content, sent, maxSize)...)
		}
	}
	return pack(content, units, maxSize), nil
}

// pack greedily merges adjacent units while the covered region fits.
func pack(content string, units []span, maxSize int) []ingest.Chunk {
	var out []ingest.Chunk
	var cur span
	open := false
	flush := func() {
		if !open {
			return
		}
		out = append(out, ingest.Chunk{
			Seq:    len(out),
			Offset: cur.start,
			Text:   content[cur.start:cur.end],
		})
		open = false
	}
	for _, u := range units {
		if open && u.end-cur.start <= maxSize {
			cur.end = u.end
			continue
		}
		flush()
		cur = u
		open = true
	}
	flush()
	return out
}

// paragraphs splits on blank lines.
func paragraphs(content string) []span {
	var out []span
	start := 0
	for start < len(content) {
		idx := strings.Index(content[start:], "\n\n")
		end := len(content)
		next := len(content)
		if idx >= 0 {
			end = start + idx
			next = end + 2
		}
		if s, ok := trim(content, span{start, end}); ok {
			out = append(out, s)
		}
		start = next
	}
	return out
}

// sentences splits a region after '.', '!' or '?' followed by whitespace.
// A terminator preceded by an upper-case letter is treated as an abbreviation.
func sentences(content string, region span) []span {
	var out []span
	text := content[region.start:region.end]
	from := 0
	prev := rune(0)
	for i, r := range text {
		width := utf8.RuneLen(r)
		if r == '.' || r == '!' || r == '?' {
			after := i + width
			if after >= len(text) || isSpaceAt(text, after) {
				if !(r == '.' && unicode.IsUpper(prev)) {
					if s, ok := trim(content, span{region.start + from, region.start + after}); ok {
						out = append(out, s)
					}
					from = after
				}
			}
		}
		prev = r
	}
	if s, ok := trim(content, span{region.start + from, region.end}); ok {
		out = append(out, s)
	}
	return out
}

// hardSplit cuts a region into pieces of at most maxSize bytes, breaking at
// the last whitespace when there is one and never inside a rune.
func hardSplit(content string, region span, maxSize int) []span {
	var out []span
	start := region.start
	for start < region.end {
		end := region.end
		if end-start > maxSize {
			end = start + maxSize
			for end > start && !utf8.RuneStart(content[end]) {
				end--
			}
			if ws := strings.LastIndexFunc(content[start:end], unicode.IsSpace); ws > 0 {
				end = start + ws
			}
			if end == start {
				// a single rune wider than maxSize
				_, w := utf8.DecodeRuneInString(content[start:])
				end = start + w
			}
		}
		if s, ok := trim(content, span{start, end}); ok {
			out = append(out, s)
		}
		start = end
	}
	return out
}

func trim(content string, s span) (span, bool) {
	for s.start < s.end {
		r, w := utf8.DecodeRuneInString(content[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.start += w
	}
	for s.end > s.start {
		r, w := utf8.DecodeLastRuneInString(content[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.end -= w
	}
	return s, s.end > s.start
}

func isSpaceAt(text string, i int) bool {
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}
