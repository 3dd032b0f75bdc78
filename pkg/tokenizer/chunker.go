package tokenizer

import (
	"strings"
	"unicode"
)

// Piece is one chunk of prose produced by Chunk.
type Piece struct {
	// Content is the chunk text.
	Content string

	// Index is the 0-based position within the document.
	Index int

	// Tokens is the token count of Content.
	Tokens int
}

// Chunk splits text into a finite ordered sequence of pieces, each at most
// maxTokens tokens, with overlapTokens of shared content between consecutive
// pieces. Splits happen at sentence boundaries when possible and at
// whitespace otherwise; output is deterministic for a fixed input.
func (c *Counter) Chunk(text string, maxTokens, overlapTokens int) []Piece {
	if maxTokens <= 0 {
		maxTokens = 1200
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = 0
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	segments := splitSegments(text, c, maxTokens)
	if len(segments) == 0 {
		return nil
	}

	var pieces []Piece
	var current []segment
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		var sb strings.Builder
		for _, s := range current {
			sb.WriteString(s.text)
		}
		content := strings.TrimSpace(sb.String())
		if content == "" {
			current = nil
			currentTokens = 0
			return
		}
		pieces = append(pieces, Piece{
			Content: content,
			Index:   len(pieces),
			Tokens:  c.Count(content),
		})

		// Seed the next chunk with the tail segments worth overlapTokens.
		if overlapTokens > 0 {
			var tail []segment
			tailTokens := 0
			for i := len(current) - 1; i >= 0; i-- {
				if tailTokens+current[i].tokens > overlapTokens {
					break
				}
				tail = append([]segment{current[i]}, tail...)
				tailTokens += current[i].tokens
			}
			current = tail
			currentTokens = tailTokens
		} else {
			current = nil
			currentTokens = 0
		}
	}

	for _, seg := range segments {
		if currentTokens+seg.tokens > maxTokens && currentTokens > 0 {
			flush()
		}
		current = append(current, seg)
		currentTokens += seg.tokens
	}
	// Avoid emitting a trailing chunk that is pure overlap of the previous one.
	if len(pieces) == 0 || currentTokens > overlapTokens || tailIsNew(current, overlapTokens) {
		flush()
	}

	return pieces
}

type segment struct {
	text   string
	tokens int
}

// tailIsNew reports whether the pending segments hold content beyond the
// overlap carried from the previous chunk.
func tailIsNew(current []segment, overlapTokens int) bool {
	total := 0
	for _, s := range current {
		total += s.tokens
	}
	return total > overlapTokens
}

// splitSegments cuts text into sentence-sized segments. Sentences that alone
// exceed maxTokens are further split at whitespace.
func splitSegments(text string, c *Counter, maxTokens int) []segment {
	var segments []segment
	for _, sentence := range splitSentences(text) {
		tokens := c.Count(sentence)
		if tokens <= maxTokens {
			segments = append(segments, segment{text: sentence, tokens: tokens})
			continue
		}
		// Oversized sentence: fall back to word-level segments.
		var sb strings.Builder
		for _, word := range strings.SplitAfter(sentence, " ") {
			sb.WriteString(word)
			if c.Count(sb.String()) >= maxTokens/4 {
				segments = append(segments, segment{text: sb.String(), tokens: c.Count(sb.String())})
				sb.Reset()
			}
		}
		if sb.Len() > 0 {
			segments = append(segments, segment{text: sb.String(), tokens: c.Count(sb.String())})
		}
	}
	return segments
}

// splitSentences splits text after sentence terminators followed by
// whitespace. Paragraph breaks also terminate a sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		terminal := r == '.' || r == '!' || r == '?'
		paragraph := r == '\n' && i+1 < len(runes) && runes[i+1] == '\n'

		if terminal && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) || paragraph {
			end := i + 1
			// Include trailing whitespace with the sentence so chunks can be
			// reassembled without gluing words together.
			for end < len(runes) && unicode.IsSpace(runes[end]) {
				end++
			}
			sentences = append(sentences, string(runes[start:end]))
			start = end
			i = end - 1
		}
	}

	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}

	return sentences
}
