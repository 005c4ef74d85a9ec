package chunking_test

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"

	"github.com/hatchdocs/rag/chunking"
	"github.com/hatchdocs/rag/config"
	"github.com/hatchdocs/rag/llm"
	"github.com/hatchdocs/rag/usage"
)

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Text: s.response, Usage: llm.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

var _ llm.Client = (*stubLLM)(nil)

type recordingTracker struct {
	records []usage.Record
}

func (t *recordingTracker) Track(_ context.Context, rec usage.Record) error {
	t.records = append(t.records, rec)
	return nil
}

func testChunkingConfig() config.ChunkingConfig {
	return config.ChunkingConfig{
		SemanticEnabled: true,
		MaxChunkSize:    2000,
		MinChunkSize:    1,
		Overlap:         0,
		BatchSize:       5,
		BatchDelay:      0,
	}
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSemanticChunkerParsesChunkArray(t *testing.T) {
	content := "Q: Can I get a refund?\nA: Yes, within 30 days.\nShipping takes two business days."
	client := &stubLLM{response: `[
		{"content": "Q: Can I get a refund?\nA: Yes, within 30 days.", "type": "qa", "topic": "refunds"},
		{"content": "Shipping takes two business days.", "type": "paragraph", "topic": "shipping"}
	]`}
	tracker := &recordingTracker{}

	chunker := chunking.NewSemanticChunker(client, tracker, discard(), testChunkingConfig(), "openai", "gpt-4o-mini")
	chunks, err := chunker.Chunk(context.Background(), "tenant-1", content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Type != chunking.TypeQA || chunks[0].Topic != "refunds" {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	for _, chunk := range chunks {
		if content[chunk.Start:chunk.End] != chunk.Content {
			t.Fatalf("chunk offsets do not map back to the source: %+v", chunk)
		}
	}
	if len(tracker.records) == 0 {
		t.Fatal("expected usage to be tracked")
	}
	if tracker.records[0].FeatureType != usage.FeatureSemanticChunking {
		t.Fatalf("unexpected feature type %q", tracker.records[0].FeatureType)
	}
}

func TestSemanticChunkerFallsBackOnInvalidJSON(t *testing.T) {
	content := "First paragraph about one topic.\n\nSecond paragraph about another topic."
	client := &stubLLM{response: "I could not split this text, sorry."}

	chunker := chunking.NewSemanticChunker(client, nil, discard(), testChunkingConfig(), "ollama", "llama3.1")
	chunks, err := chunker.Chunk(context.Background(), "tenant-1", content)
	if err != nil {
		t.Fatalf("fallback must not surface parse failures: %v", err)
	}

	want := chunking.PreChunk(content, chunking.DefaultMaxSegmentSize)
	if len(chunks) != len(want) {
		t.Fatalf("expected %d rule-based chunks, got %d", len(want), len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Content != want[i].Text {
			t.Fatalf("chunk %d should match the rule-based split", i)
		}
	}
}

func TestSemanticChunkerFallsBackOnEmptyArray(t *testing.T) {
	content := "Only one paragraph lives here."
	client := &stubLLM{response: "[]"}

	chunker := chunking.NewSemanticChunker(client, nil, discard(), testChunkingConfig(), "ollama", "llama3.1")
	chunks, err := chunker.Chunk(context.Background(), "tenant-1", content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != content {
		t.Fatalf("expected the rule-based chunk, got %+v", chunks)
	}
}

func TestSemanticChunkerFallsBackOnServiceError(t *testing.T) {
	content := "A paragraph that should still be chunked when the model is down."
	client := &stubLLM{err: errors.New("model unavailable")}

	chunker := chunking.NewSemanticChunker(client, nil, discard(), testChunkingConfig(), "ollama", "llama3.1")
	chunks, err := chunker.Chunk(context.Background(), "tenant-1", content)
	if err != nil {
		t.Fatalf("service errors must degrade, not surface: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected fallback chunks")
	}
}

func TestSemanticChunkerDisabledMatchesRuleChunks(t *testing.T) {
	content := "- first item\n- second item\n\nQ: is this cached?\nA: no.\n\nA closing paragraph."
	cfg := testChunkingConfig()
	cfg.SemanticEnabled = false
	cfg.Overlap = 20

	client := &stubLLM{response: "should never be called"}
	chunker := chunking.NewSemanticChunker(client, nil, discard(), cfg, "ollama", "llama3.1")

	chunks, err := chunker.Chunk(context.Background(), "tenant-1", content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 0 {
		t.Fatal("disabled chunker must not call the model")
	}

	want := chunking.RuleChunks(content, cfg)
	if !reflect.DeepEqual(chunks, want) {
		t.Fatal("disabled semantic chunking must equal rule-based chunking verbatim")
	}
}

func TestRuleChunksCarryOverlapPrefix(t *testing.T) {
	content := "first paragraph ends here.\n\nsecond paragraph begins."
	cfg := testChunkingConfig()
	cfg.Overlap = 10

	chunks := chunking.RuleChunks(content, cfg)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].Content != "ends here.second paragraph begins." {
		t.Fatalf("expected overlap prefix from previous chunk, got %q", chunks[1].Content)
	}
	// Offsets cover the chunk's own span, not the overlap prefix.
	if content[chunks[1].Start:chunks[1].End] != "second paragraph begins." {
		t.Fatalf("offsets must exclude the overlap prefix")
	}
}

func TestMergeSmallChunksSameTypeOnly(t *testing.T) {
	chunks := []chunking.Chunk{
		{Content: "a long enough paragraph that stands on its own two feet", Type: chunking.TypeParagraph, Topic: "a", Start: 0, End: 56},
		{Content: "tiny", Type: chunking.TypeParagraph, Topic: "b", Start: 56, End: 60},
		{Content: "- list", Type: chunking.TypeList, Start: 60, End: 66},
	}

	merged := chunking.MergeSmallChunks(chunks, 20)
	if len(merged) != 2 {
		t.Fatalf("expected 2 chunks after merging, got %d", len(merged))
	}
	if merged[0].Topic != "a; b" {
		t.Fatalf("expected concatenated topics, got %q", merged[0].Topic)
	}
	if merged[0].End != 60 {
		t.Fatalf("merged chunk should extend to the absorbed chunk's end, got %d", merged[0].End)
	}
	if merged[1].Type != chunking.TypeList {
		t.Fatal("differently typed chunk must not merge")
	}
}

func TestInferChunkType(t *testing.T) {
	cases := []struct {
		name string
		text string
		want chunking.ChunkType
	}{
		{"qa pair", "Q: how long?\nA: two days.", chunking.TypeQA},
		{"header", "# Getting started", chunking.TypeHeader},
		{"fenced code", "```go\nfmt.Println(1)\n```", chunking.TypeCode},
		{"pipe table", "| name | price |\n| pen | 3 |", chunking.TypeTable},
		{"bullet list", "- one\n- two\n- three", chunking.TypeList},
		{"plain paragraph", "Nothing special about this text at all.", chunking.TypeParagraph},
	}
	for _, tc := range cases {
		if got := chunking.InferChunkType(tc.text); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestScoreQualityBonusesAndPenalties(t *testing.T) {
	// Short Q/A with topic and clean ending: 100 - 15 + 10 + 5 + 5 clamps at 100.
	if got := chunking.ScoreQuality("Q: ok?\nA: yes.", chunking.TypeQA, "refunds"); got != 100 {
		t.Fatalf("expected clamp at 100, got %d", got)
	}

	// Short fragment without any bonus: 100 - 15.
	if got := chunking.ScoreQuality("fragment without ending", chunking.TypeParagraph, ""); got != 85 {
		t.Fatalf("expected 85, got %d", got)
	}
}

func TestClampScoreBounds(t *testing.T) {
	if chunking.ClampScore(-5) != 0 {
		t.Fatal("scores below zero must clamp to 0")
	}
	if chunking.ClampScore(130) != 100 {
		t.Fatal("scores above 100 must clamp to 100")
	}
}
