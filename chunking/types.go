// Package chunking splits tenant documents into retrievable passages. It
// provides a rule-based boundary segmenter, an LLM-assisted semantic chunker
// that falls back to the segmenter, and a late-chunking embedding pooler.
package chunking

import (
	"strings"
	"unicode/utf8"
)

type ChunkType string

const (
	TypeParagraph ChunkType = "paragraph"
	TypeQA        ChunkType = "qa"
	TypeList      ChunkType = "list"
	TypeTable     ChunkType = "table"
	TypeHeader    ChunkType = "header"
	TypeCode      ChunkType = "code"
)

// ValidChunkType reports whether t is one of the known chunk types.
func ValidChunkType(t ChunkType) bool {
	switch t {
	case TypeParagraph, TypeQA, TypeList, TypeTable, TypeHeader, TypeCode:
		return true
	}
	return false
}

// Segment is a transient text span produced by the boundary segmenter.
// Start/End are byte offsets into the source document. Segments are never
// persisted; they exist only within one chunking run.
type Segment struct {
	Text  string
	Start int
	End   int
}

// Chunk is one retrievable passage. Offsets always lie within the bounds of
// the source document.
type Chunk struct {
	Content      string
	Type         ChunkType
	Topic        string
	QualityScore int
	Embedding    []float32
	Start        int
	End          int
	Pooling      *PoolingMeta
}

// PoolingMeta records how a chunk's embedding was produced during late
// chunking.
type PoolingMeta struct {
	Strategy           PoolingStrategy
	SegmentCount       int
	EstimatedTokens    int
	DocumentSimilarity float64
}

const (
	minQualityLength = 100
	maxQualityLength = 800
)

// ScoreQuality rates a chunk 0-100: short and overlong chunks are penalized,
// Q/A pairs, meaningful topics, and clean sentence endings earn bonuses.
func ScoreQuality(content string, chunkType ChunkType, topic string) int {
	score := 100

	length := utf8.RuneCountInString(content)
	if length < minQualityLength {
		score -= 15
	}
	if length > maxQualityLength {
		score -= 10
	}
	if chunkType == TypeQA {
		score += 10
	}
	if isMeaningfulTopic(topic) {
		score += 5
	}
	if endsOnSentenceBoundary(content) {
		score += 5
	}

	return ClampScore(score)
}

// ClampScore keeps quality adjustments inside [0, 100] no matter how many
// penalties or bonuses were applied.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func isMeaningfulTopic(topic string) bool {
	topic = strings.TrimSpace(topic)
	return utf8.RuneCountInString(topic) >= 2
}

func endsOnSentenceBoundary(content string) bool {
	trimmed := strings.TrimRight(content, " \t\n\r")
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	switch last {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	// Korean declarative/polite endings close a sentence without punctuation.
	return strings.HasSuffix(trimmed, "다") || strings.HasSuffix(trimmed, "요") || strings.HasSuffix(trimmed, "까")
}
