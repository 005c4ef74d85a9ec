package chunking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/hatchdocs/rag/config"
	"github.com/hatchdocs/rag/llm"
	"github.com/hatchdocs/rag/usage"
)

// ParseFailure marks LLM output that did not satisfy the chunk-array
// contract. It is always recovered locally via the rule-based fallback and
// never crosses the chunking boundary.
type ParseFailure struct {
	Reason string
}

func (e *ParseFailure) Error() string {
	return "parse llm chunk output: " + e.Reason
}

// SemanticChunker re-segments coarse segments into meaning-complete chunks
// with one LLM call per segment, falling back to the boundary segmenter when
// a call fails or its output cannot be parsed.
type SemanticChunker struct {
	llm      llm.Client
	tracker  usage.Tracker
	logger   *log.Logger
	cfg      config.ChunkingConfig
	provider string
	model    string
}

func NewSemanticChunker(client llm.Client, tracker usage.Tracker, logger *log.Logger, cfg config.ChunkingConfig, provider, model string) *SemanticChunker {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxSegmentSize
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}

	return &SemanticChunker{
		llm:      client,
		tracker:  tracker,
		logger:   logger,
		cfg:      cfg,
		provider: provider,
		model:    model,
	}
}

// Chunk splits content for one tenant document. Segments are processed in
// concurrent batches with a short pause between batches to respect provider
// rate limits; no batch result depends on another. A failed segment never
// aborts its siblings.
func (c *SemanticChunker) Chunk(ctx context.Context, tenantID, content string) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	if !c.cfg.SemanticEnabled || c.llm == nil {
		return RuleChunks(content, c.cfg), nil
	}

	coarse := PreChunk(content, c.cfg.MaxChunkSize)
	results := make([][]Chunk, len(coarse))

	for start := 0; start < len(coarse); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(coarse) {
			end = len(coarse)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			seg := coarse[i]
			g.Go(func() error {
				chunks, err := c.chunkSegment(gctx, tenantID, seg)
				if err != nil {
					c.logger.Printf("semantic chunking fallback for segment [%d,%d): %v", seg.Start, seg.End, err)
					chunks = fallbackSegment(seg)
				}
				results[i] = chunks
				return nil
			})
		}
		// Workers always return nil; per-segment failures become fallbacks.
		_ = g.Wait()

		if end < len(coarse) && c.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.BatchDelay):
			}
		}
	}

	flat := make([]Chunk, 0, len(coarse))
	for _, chunks := range results {
		flat = append(flat, chunks...)
	}
	return MergeSmallChunks(flat, c.cfg.MinChunkSize), nil
}

func (c *SemanticChunker) chunkSegment(ctx context.Context, tenantID string, seg Segment) ([]Chunk, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPromptFor(seg.Text)},
		{Role: llm.RoleUser, Content: "Split the following text:\n\n" + seg.Text},
	}

	result, err := c.llm.Generate(ctx, messages, llm.Options{Temperature: 0.1, MaxOutputTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("generate chunk split: %w", err)
	}

	c.trackUsage(ctx, tenantID, result.Usage)

	items, parseErr := parseChunkArray(result.Text)
	if parseErr != nil {
		return nil, parseErr
	}

	chunks := make([]Chunk, 0, len(items))
	cursor := 0
	for _, item := range items {
		start, end := locateInSegment(seg, item.Content, &cursor)

		chunkType := ChunkType(item.Type)
		if !ValidChunkType(chunkType) {
			chunkType = InferChunkType(item.Content)
		}

		chunks = append(chunks, Chunk{
			Content:      item.Content,
			Type:         chunkType,
			Topic:        strings.TrimSpace(item.Topic),
			QualityScore: ScoreQuality(item.Content, chunkType, item.Topic),
			Start:        start,
			End:          end,
		})
	}
	return chunks, nil
}

func (c *SemanticChunker) trackUsage(ctx context.Context, tenantID string, u llm.Usage) {
	if c.tracker == nil {
		return
	}
	rec := usage.Record{
		TenantID:      tenantID,
		FeatureType:   usage.FeatureSemanticChunking,
		ModelProvider: c.provider,
		ModelID:       c.model,
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
	}
	if err := c.tracker.Track(ctx, rec); err != nil {
		c.logger.Printf("usage tracking error: %v", err)
	}
}

type chunkItem struct {
	Content string `json:"content"`
	Type    string `json:"type"`
	Topic   string `json:"topic"`
}

// parseChunkArray validates LLM output against the strict contract: a JSON
// array of {content, type, topic} with no extra fields and at least one
// non-empty content. Code fences around the array are tolerated; anything
// else is a ParseFailure.
func parseChunkArray(raw string) ([]chunkItem, *ParseFailure) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var items []chunkItem
	if err := dec.Decode(&items); err != nil {
		return nil, &ParseFailure{Reason: err.Error()}
	}
	if dec.More() {
		return nil, &ParseFailure{Reason: "trailing data after array"}
	}
	if len(items) == 0 {
		return nil, &ParseFailure{Reason: "empty chunk array"}
	}
	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			return nil, &ParseFailure{Reason: "chunk with empty content"}
		}
	}
	return items, nil
}

// locateInSegment maps an LLM-returned chunk back to source offsets. Exact
// substring matches advance a cursor; non-verbatim output gets approximate
// positions clamped to the segment bounds.
func locateInSegment(seg Segment, content string, cursor *int) (int, int) {
	if *cursor < len(seg.Text) {
		if idx := strings.Index(seg.Text[*cursor:], content); idx >= 0 {
			start := seg.Start + *cursor + idx
			end := start + len(content)
			*cursor = *cursor + idx + len(content)
			return start, end
		}
	}

	start := seg.Start + *cursor
	if start > seg.End {
		start = seg.End
	}
	end := start + len(content)
	if end > seg.End {
		end = seg.End
	}
	*cursor += len(content)
	return start, end
}

// fallbackSegment is the rule-based path for a single segment whose LLM call
// failed: boundary split plus heuristic type inference.
func fallbackSegment(seg Segment) []Chunk {
	spans := PreChunk(seg.Text, DefaultMaxSegmentSize)
	chunks := make([]Chunk, 0, len(spans))
	for _, span := range spans {
		chunkType := InferChunkType(span.Text)
		chunks = append(chunks, Chunk{
			Content:      span.Text,
			Type:         chunkType,
			QualityScore: ScoreQuality(span.Text, chunkType, ""),
			Start:        seg.Start + span.Start,
			End:          seg.Start + span.End,
		})
	}
	return chunks
}

// RuleChunks is the fully rule-based pipeline used when semantic chunking is
// disabled: boundary split, heuristic type inference, and a fixed character
// overlap prefix carried from the previous chunk. Offsets always cover the
// chunk's own span; the overlap prefix is retrieval context only.
func RuleChunks(content string, cfg config.ChunkingConfig) []Chunk {
	maxSize := cfg.MaxChunkSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSegmentSize
	}

	segments := PreChunk(content, maxSize)
	chunks := make([]Chunk, 0, len(segments))
	for i, seg := range segments {
		text := seg.Text
		if cfg.Overlap > 0 && i > 0 {
			text = tailRunes(segments[i-1].Text, cfg.Overlap) + text
		}

		chunkType := InferChunkType(seg.Text)
		chunks = append(chunks, Chunk{
			Content:      text,
			Type:         chunkType,
			QualityScore: ScoreQuality(text, chunkType, ""),
			Start:        seg.Start,
			End:          seg.End,
		})
	}
	return chunks
}

func tailRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[len(runes)-n:])
}

// MergeSmallChunks folds any chunk shorter than minSize into its predecessor
// when both share a type, concatenating topics and rescoring the result.
func MergeSmallChunks(chunks []Chunk, minSize int) []Chunk {
	if minSize <= 0 || len(chunks) < 2 {
		return chunks
	}

	merged := make([]Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(merged) > 0 {
			prev := &merged[len(merged)-1]
			if utf8.RuneCountInString(chunk.Content) < minSize && chunk.Type == prev.Type {
				prev.Content += "\n" + chunk.Content
				prev.Topic = joinTopics(prev.Topic, chunk.Topic)
				if chunk.End > prev.End {
					prev.End = chunk.End
				}
				prev.QualityScore = ScoreQuality(prev.Content, prev.Type, prev.Topic)
				continue
			}
		}
		merged = append(merged, chunk)
	}
	return merged
}

func joinTopics(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return a + "; " + b
	}
}

var (
	questionMarkerPattern = regexp.MustCompile(`(?mi)^\s*(q\d*[.:)]|question[.:]?|질문[.:]?|q[.:])\s*`)
	answerMarkerPattern   = regexp.MustCompile(`(?mi)^\s*(a\d*[.:)]|answer[.:]?|답변[.:]?|a[.:])\s*`)
	bulletLinePattern     = regexp.MustCompile(`^\s*([-*•]|\d+[.)])\s`)
)

// InferChunkType classifies fallback chunks: Q/A marker pairs, heading
// markup, fenced or indented code, pipe tables, bullet or numbered lists,
// else paragraph.
func InferChunkType(text string) ChunkType {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return TypeParagraph
	}

	if questionMarkerPattern.MatchString(trimmed) && answerMarkerPattern.MatchString(trimmed) {
		return TypeQA
	}
	if strings.HasPrefix(trimmed, "#") && headerLinePattern.MatchString(trimmed) {
		return TypeHeader
	}
	if strings.Contains(trimmed, "```") || countIndentedLines(trimmed) >= 2 {
		return TypeCode
	}
	if countPipeRows(trimmed) >= 2 {
		return TypeTable
	}
	lines := nonEmptyLines(trimmed)
	if len(lines) > 0 && countBulletLines(lines)*2 >= len(lines) {
		return TypeList
	}
	return TypeParagraph
}

func nonEmptyLines(text string) []string {
	all := strings.Split(text, "\n")
	lines := make([]string, 0, len(all))
	for _, line := range all {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func countIndentedLines(text string) int {
	count := 0
	for _, line := range nonEmptyLines(text) {
		if strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "    ") {
			count++
		}
	}
	return count
}

func countPipeRows(text string) int {
	count := 0
	for _, line := range nonEmptyLines(text) {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			count++
		}
	}
	return count
}

func countBulletLines(lines []string) int {
	count := 0
	for _, line := range lines {
		if bulletLinePattern.MatchString(line) {
			count++
		}
	}
	return count
}

const systemPromptEnglish = `You split documents into meaning-complete chunks for retrieval.
Rules:
- Each chunk covers exactly one topic or one question-answer pair.
- Never split a sentence, a code block, a table, or a list item in half.
- Keep headings attached to the body they introduce.
- Aim for chunks between 100 and 800 characters.
Respond with ONLY a JSON array. Each element is an object with exactly these
keys: "content" (the chunk text, verbatim from the input), "type" (one of
"paragraph", "qa", "list", "table", "header", "code"), and "topic" (a short
topic label, may be empty). No prose, no markdown outside the array.`

const systemPromptKorean = `문서를 검색에 적합한 의미 단위 청크로 분할하세요.
규칙:
- 각 청크는 하나의 주제 또는 하나의 질문-답변 쌍만 포함합니다.
- 문장, 코드 블록, 표, 목록 항목을 중간에서 자르지 마세요.
- 제목은 그 제목이 설명하는 본문과 함께 유지하세요.
- 청크 길이는 100자에서 800자 사이를 목표로 하세요.
JSON 배열로만 응답하세요. 각 요소는 정확히 다음 키를 가진 객체입니다:
"content" (입력 원문 그대로의 청크 텍스트), "type" ("paragraph", "qa",
"list", "table", "header", "code" 중 하나), "topic" (짧은 주제 라벨, 비워도
됩니다). 배열 외의 다른 텍스트를 포함하지 마세요.`

// systemPromptFor picks the prompt language by character composition: a
// majority of non-Latin script selects the Korean prompt.
func systemPromptFor(text string) string {
	if isMajorityNonLatin(text) {
		return systemPromptKorean
	}
	return systemPromptEnglish
}

func isMajorityNonLatin(text string) bool {
	latin, other := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			continue
		}
		if r < 128 {
			latin++
		} else {
			other++
		}
	}
	return other > latin
}
