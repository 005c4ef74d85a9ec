package chunking

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxSegmentSize bounds rule-based segments in characters.
	DefaultMaxSegmentSize = 2000
	// DefaultMaxEmbedTokens is the embedding provider ceiling; splits apply
	// a safety margin below it.
	DefaultMaxEmbedTokens = 8000

	tokenSafetyMargin = 0.9
)

var (
	headerLinePattern = regexp.MustCompile(`(?m)^#{1,6}[ \t]`)
	blankLinePattern  = regexp.MustCompile(`\n[ \t]*\n+`)

	// Sentence boundaries are the union of Korean sentence-final endings
	// (optional trailing punctuation) and generic terminal punctuation, each
	// followed by whitespace.
	sentencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:습니다|입니다|합니다|됩니다|세요|어요|아요|에요|지요|죠|한다|이다|다|까)[.!?]?\s+`),
		regexp.MustCompile(`[.!?]\s+`),
	}
)

// PreChunk splits content into segments no longer than maxSize characters.
// Documents with markdown headers split immediately before each header so the
// header stays with its body; everything else splits on blank-line
// paragraphs. Oversize segments are re-split at sentence boundaries, then
// hard-sliced as a last resort. Offsets are byte positions into content.
func PreChunk(content string, maxSize int) []Segment {
	if maxSize <= 0 {
		maxSize = DefaultMaxSegmentSize
	}

	var spans []Segment
	if headerLinePattern.MatchString(content) {
		spans = splitBeforeHeaders(content)
	} else {
		spans = splitParagraphs(content)
	}

	segments := make([]Segment, 0, len(spans))
	for _, span := range spans {
		if strings.TrimSpace(span.Text) == "" {
			continue
		}
		if utf8.RuneCountInString(span.Text) <= maxSize {
			segments = append(segments, span)
			continue
		}
		segments = append(segments, splitBySentences(span, maxSize)...)
	}
	return segments
}

func splitBeforeHeaders(content string) []Segment {
	matches := headerLinePattern.FindAllStringIndex(content, -1)
	boundaries := make([]int, 0, len(matches)+2)
	if len(matches) == 0 || matches[0][0] > 0 {
		boundaries = append(boundaries, 0)
	}
	for _, m := range matches {
		boundaries = append(boundaries, m[0])
	}
	boundaries = append(boundaries, len(content))

	segments := make([]Segment, 0, len(boundaries)-1)
	for i := 0; i < len(boundaries)-1; i++ {
		start, end := boundaries[i], boundaries[i+1]
		if start >= end {
			continue
		}
		segments = append(segments, Segment{Text: content[start:end], Start: start, End: end})
	}
	return segments
}

func splitParagraphs(content string) []Segment {
	separators := blankLinePattern.FindAllStringIndex(content, -1)
	segments := make([]Segment, 0, len(separators)+1)
	start := 0
	for _, sep := range separators {
		if sep[0] > start {
			segments = append(segments, Segment{Text: content[start:sep[0]], Start: start, End: sep[0]})
		}
		start = sep[1]
	}
	if start < len(content) {
		segments = append(segments, Segment{Text: content[start:], Start: start, End: len(content)})
	}
	return segments
}

func splitBySentences(span Segment, maxSize int) []Segment {
	text := span.Text
	boundaries := sentenceBoundaries(text)

	segments := make([]Segment, 0, 4)
	start := 0
	for start < len(text) {
		rest := text[start:]
		if utf8.RuneCountInString(rest) <= maxSize {
			segments = append(segments, Segment{Text: rest, Start: span.Start + start, End: span.End})
			break
		}

		// Furthest sentence boundary that still fits; hard character slice
		// when no boundary does.
		end := -1
		for _, b := range boundaries {
			if b <= start {
				continue
			}
			if utf8.RuneCountInString(text[start:b]) > maxSize {
				break
			}
			end = b
		}
		if end == -1 {
			end = advanceRunes(text, start, maxSize)
		}

		segments = append(segments, Segment{Text: text[start:end], Start: span.Start + start, End: span.Start + end})
		start = end
	}
	return segments
}

func sentenceBoundaries(text string) []int {
	seen := make(map[int]struct{})
	for _, pattern := range sentencePatterns {
		for _, m := range pattern.FindAllStringIndex(text, -1) {
			seen[m[1]] = struct{}{}
		}
	}

	boundaries := make([]int, 0, len(seen))
	for b := range seen {
		boundaries = append(boundaries, b)
	}
	sort.Ints(boundaries)
	return boundaries
}

// advanceRunes returns the byte index n runes past start.
func advanceRunes(text string, start, n int) int {
	idx := start
	for i := 0; i < n && idx < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[idx:])
		idx += size
	}
	return idx
}

// EstimateTokens approximates provider token counts: roughly four ASCII
// characters per token, one token per non-ASCII character.
func EstimateTokens(text string) int {
	latin, other := 0, 0
	for _, r := range text {
		if r < 128 {
			latin++
		} else {
			other++
		}
	}
	return (latin+3)/4 + other
}

// SplitByTokenLimit splits content into segments under maxTokens estimated
// tokens (default 8000, with a 10% safety margin), preferring paragraph then
// sentence boundaries. Used before embedding to respect provider ceilings.
func SplitByTokenLimit(content string, maxTokens int) []Segment {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxEmbedTokens
	}
	budget := int(float64(maxTokens) * tokenSafetyMargin)
	if budget < 1 {
		budget = 1
	}

	if strings.TrimSpace(content) == "" {
		return nil
	}
	if EstimateTokens(content) <= budget {
		return []Segment{{Text: content, Start: 0, End: len(content)}}
	}

	segments := make([]Segment, 0, 8)
	var pending *Segment
	for _, span := range splitParagraphs(content) {
		if strings.TrimSpace(span.Text) == "" {
			continue
		}
		if EstimateTokens(span.Text) > budget {
			if pending != nil {
				segments = append(segments, *pending)
				pending = nil
			}
			segments = append(segments, splitSpanByTokens(span, budget)...)
			continue
		}
		if pending == nil {
			p := span
			pending = &p
			continue
		}
		merged := content[pending.Start:span.End]
		if EstimateTokens(merged) <= budget {
			pending.Text = merged
			pending.End = span.End
			continue
		}
		segments = append(segments, *pending)
		p := span
		pending = &p
	}
	if pending != nil {
		segments = append(segments, *pending)
	}
	return segments
}

func splitSpanByTokens(span Segment, budget int) []Segment {
	text := span.Text
	boundaries := sentenceBoundaries(text)

	segments := make([]Segment, 0, 4)
	start := 0
	for start < len(text) {
		rest := text[start:]
		if EstimateTokens(rest) <= budget {
			segments = append(segments, Segment{Text: rest, Start: span.Start + start, End: span.End})
			break
		}

		end := -1
		for _, b := range boundaries {
			if b <= start {
				continue
			}
			if EstimateTokens(text[start:b]) > budget {
				break
			}
			end = b
		}
		if end == -1 {
			end = advanceTokens(text, start, budget)
		}

		segments = append(segments, Segment{Text: text[start:end], Start: span.Start + start, End: span.Start + end})
		start = end
	}
	return segments
}

// advanceTokens returns the byte index where the token estimate from start
// reaches the budget.
func advanceTokens(text string, start, budget int) int {
	idx := start
	latin, other := 0, 0
	for idx < len(text) {
		r, size := utf8.DecodeRuneInString(text[idx:])
		if r < 128 {
			latin++
		} else {
			other++
		}
		if (latin+3)/4+other > budget {
			if idx == start {
				idx += size
			}
			return idx
		}
		idx += size
	}
	return idx
}
