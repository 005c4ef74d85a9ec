package chunking_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hatchdocs/rag/chunking"
)

func TestPreChunkSplitsBeforeHeaders(t *testing.T) {
	content := "# A\ntext1\n\n# B\ntext2"

	segments := chunking.PreChunk(content, 2000)
	if len(segments) != 2 {
		t.Fatalf("expected exactly 2 segments, got %d", len(segments))
	}

	if !strings.HasPrefix(segments[0].Text, "# A") {
		t.Fatalf("first segment should start with its header, got %q", segments[0].Text)
	}
	if !strings.HasPrefix(segments[1].Text, "# B") {
		t.Fatalf("second segment should start with its header, got %q", segments[1].Text)
	}
	if segments[1].Start != strings.Index(content, "# B") {
		t.Fatalf("second segment should begin at the header, got offset %d", segments[1].Start)
	}
}

func TestPreChunkSplitsParagraphsWithoutHeaders(t *testing.T) {
	content := "first paragraph.\n\nsecond paragraph.\n\nthird paragraph."

	segments := chunking.PreChunk(content, 2000)
	if len(segments) != 3 {
		t.Fatalf("expected 3 paragraph segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if content[seg.Start:seg.End] != seg.Text {
			t.Fatalf("segment text does not match its offsets: %q", seg.Text)
		}
	}
}

func TestPreChunkResplitsOversizeAtSentences(t *testing.T) {
	sentence := "This is a fairly ordinary sentence that ends cleanly. "
	content := strings.TrimSpace(strings.Repeat(sentence, 20))

	segments := chunking.PreChunk(content, 120)
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if utf8.RuneCountInString(seg.Text) > 120 {
			t.Fatalf("segment exceeds max size: %d runes", utf8.RuneCountInString(seg.Text))
		}
	}

	var joined strings.Builder
	for _, seg := range segments {
		joined.WriteString(seg.Text)
	}
	if joined.String() != content {
		t.Fatal("sentence-split segments should reconstruct the original text")
	}
}

func TestPreChunkHardSlicesWithoutBoundaries(t *testing.T) {
	content := strings.Repeat("x", 500)

	segments := chunking.PreChunk(content, 100)
	if len(segments) != 5 {
		t.Fatalf("expected 5 hard slices, got %d", len(segments))
	}

	var joined strings.Builder
	for _, seg := range segments {
		if utf8.RuneCountInString(seg.Text) > 100 {
			t.Fatalf("hard slice exceeds max size: %d runes", utf8.RuneCountInString(seg.Text))
		}
		joined.WriteString(seg.Text)
	}
	if joined.String() != content {
		t.Fatal("hard slices should reconstruct the original text")
	}
}

func TestPreChunkKoreanSentenceBoundaries(t *testing.T) {
	sentence := "이 제품은 환불이 가능합니다 "
	content := strings.TrimSpace(strings.Repeat(sentence, 12))

	segments := chunking.PreChunk(content, 40)
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if utf8.RuneCountInString(seg.Text) > 40 {
			t.Fatalf("segment exceeds max size: %d runes", utf8.RuneCountInString(seg.Text))
		}
	}
}

func TestPreChunkOffsetsRoundTrip(t *testing.T) {
	content := "# Refunds\nRefunds are available for 30 days.\n\nShipping takes two days.\n\n- item one\n- item two"

	segments := chunking.PreChunk(content, 2000)
	var joined strings.Builder
	for _, seg := range segments {
		if content[seg.Start:seg.End] != seg.Text {
			t.Fatalf("offset mismatch for segment %q", seg.Text)
		}
		joined.WriteString(seg.Text)
	}

	if normalizeWhitespace(joined.String()) != normalizeWhitespace(content) {
		t.Fatal("concatenated segments should reconstruct the whitespace-normalized document")
	}
}

func TestPreChunkSkipsBlankInput(t *testing.T) {
	if segments := chunking.PreChunk("\n\n   \n\n", 2000); len(segments) != 0 {
		t.Fatalf("expected no segments for blank input, got %d", len(segments))
	}
}

func TestEstimateTokensCountsScripts(t *testing.T) {
	if got := chunking.EstimateTokens("abcdefgh"); got != 2 {
		t.Fatalf("expected 2 tokens for 8 ASCII chars, got %d", got)
	}
	if got := chunking.EstimateTokens("안녕하세요"); got != 5 {
		t.Fatalf("expected 5 tokens for 5 Hangul chars, got %d", got)
	}
}

func TestSplitByTokenLimitRespectsBudget(t *testing.T) {
	paragraph := strings.Repeat("tokens and more tokens. ", 20)
	content := strings.TrimSpace(strings.Repeat(paragraph+"\n\n", 6))

	segments := chunking.SplitByTokenLimit(content, 50)
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if chunking.EstimateTokens(seg.Text) > 50 {
			t.Fatalf("segment exceeds token budget: %d", chunking.EstimateTokens(seg.Text))
		}
		if content[seg.Start:seg.End] != seg.Text {
			t.Fatalf("segment text does not match its offsets")
		}
	}
}

func TestSplitByTokenLimitKeepsSmallContentWhole(t *testing.T) {
	content := "short document"
	segments := chunking.SplitByTokenLimit(content, 8000)
	if len(segments) != 1 {
		t.Fatalf("expected a single segment, got %d", len(segments))
	}
	if segments[0].Text != content {
		t.Fatalf("unexpected segment text %q", segments[0].Text)
	}
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
