package domain

import (
	"strings"
	"testing"
)

func TestNormalizeFlat(t *testing.T) {
	c, err := FlatContent("hello").Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if c.Kind != ContentFlat || c.Text != "hello" {
		t.Errorf("unexpected content: %+v", c)
	}
	for _, text := range []string{"", "   ", "\n\t \r\n"} {
		if _, err := FlatContent(text).Normalize(); err != ErrContentRequired {
			t.Errorf("Normalize(%q) = %v, want ErrContentRequired", text, err)
		}
	}
}

func TestNormalizeBlocksDropsBlank(t *testing.T) {
	in := []Block{
		{Content: "a", Language: "python"},
		{Content: "  ", Language: "text"},
	}
	out, err := NormalizeBlocks(in)
	if err != nil {
		t.Fatalf("NormalizeBlocks failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 block, got %d", len(out))
	}
	if out[0].Content != "a" || out[0].Order != 0 || out[0].Language != "python" {
		t.Errorf("unexpected block: %+v", out[0])
	}
	if !IsID(out[0].ID) {
		t.Errorf("block was not assigned an id: %q", out[0].ID)
	}
}

func TestNormalizeBlocksRenumbers(t *testing.T) {
	in := []Block{
		{Content: "x", Order: 7},
		{Content: ""},
		{Content: "y", Order: 2},
		{Content: "z", Order: 0},
	}
	out, err := NormalizeBlocks(in)
	if err != nil {
		t.Fatalf("NormalizeBlocks failed: %v", err)
	}
	want := []string{"x", "y", "z"}
	for i, b := range out {
		if b.Order != i {
			t.Errorf("block %d has order %d", i, b.Order)
		}
		if b.Content != want[i] {
			t.Errorf("block %d content %q, want %q", i, b.Content, want[i])
		}
		if b.Language != DefaultLanguage {
			t.Errorf("block %d language %q, want default", i, b.Language)
		}
	}
}

func TestNormalizeBlocksIdentity(t *testing.T) {
	kept := NewID()
	in := []Block{
		{ID: kept, Content: "one"},
		{ID: "not-an-id", Content: "two"},
		{ID: kept, Content: "three"},
		{ID: "", Content: "four"},
	}
	out, err := NormalizeBlocks(in)
	if err != nil {
		t.Fatalf("NormalizeBlocks failed: %v", err)
	}
	if out[0].ID != kept {
		t.Errorf("identifier-shaped id not honored: %q", out[0].ID)
	}
	seen := map[string]bool{}
	for _, b := range out {
		if !IsID(b.ID) {
			t.Errorf("block %q has invalid id %q", b.Content, b.ID)
		}
		if seen[b.ID] {
			t.Errorf("duplicate block id %q", b.ID)
		}
		seen[b.ID] = true
	}
}

func TestNormalizeBlocksUppercaseID(t *testing.T) {
	id := NewID()
	out, err := NormalizeBlocks([]Block{{ID: "  " + strings.ToUpper(id), Content: "a"}})
	if err != nil {
		t.Fatalf("NormalizeBlocks failed: %v", err)
	}
	if out[0].ID != id {
		t.Errorf("expected canonical id %q, got %q", id, out[0].ID)
	}
}

func TestNormalizeBlocksAllEmpty(t *testing.T) {
	for _, in := range [][]Block{nil, {}, {{Content: " "}, {Content: "\n"}}} {
		if _, err := NormalizeBlocks(in); err != ErrNoBlocks {
			t.Errorf("NormalizeBlocks(%v) = %v, want ErrNoBlocks", in, err)
		}
	}
	if _, err := BlockContent([]Block{{Content: "  "}}).Normalize(); err != ErrNoBlocks {
		t.Errorf("expected ErrNoBlocks, got %v", err)
	}
}

func TestContentCheck(t *testing.T) {
	tests := []struct {
		name string
		c    Content
		ok   bool
	}{
		{"flat", FlatContent("x"), true},
		{"empty flat", FlatContent(""), false},
		{"flat with blocks", Content{Kind: ContentFlat, Text: "x", Blocks: []Block{{Content: "a"}}}, false},
		{"blocks", BlockContent([]Block{{Content: "a", Order: 0}, {Content: "b", Order: 1}}), true},
		{"no blocks", BlockContent(nil), false},
		{"gap in order", BlockContent([]Block{{Content: "a", Order: 0}, {Content: "b", Order: 2}}), false},
		{"blank block", BlockContent([]Block{{Content: " ", Order: 0}}), false},
		{"blocks with text", Content{Kind: ContentBlocks, Text: "x", Blocks: []Block{{Content: "a"}}}, false},
		{"unknown kind", Content{Kind: ContentKind(9), Text: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Check()
			if tt.ok && err != nil {
				t.Errorf("Check() = %v, want nil", err)
			}
			if !tt.ok && err != ErrInvariant {
				t.Errorf("Check() = %v, want ErrInvariant", err)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText("a\x00b\tc\nd\x7f\xff")
	if got != "ab\tc\nd" {
		t.Errorf("SanitizeText = %q", got)
	}
	if SanitizeText("e\u0301") != "\u00e9" {
		t.Error("expected NFC composition")
	}
}

func TestNormalizeTitle(t *testing.T) {
	if got := NormalizeTitle("   ", DefaultTitle); got != DefaultTitle {
		t.Errorf("blank title = %q", got)
	}
	if got := NormalizeTitle("  my   notes ", DefaultTitle); got != "my notes" {
		t.Errorf("title = %q", got)
	}
}

func TestNormalizeBlocksLanguage(t *testing.T) {
	out, err := NormalizeBlocks([]Block{
		{Content: "a", Language: "  TypeScript "},
		{Content: "b", Language: " "},
	})
	if err != nil {
		t.Fatalf("NormalizeBlocks failed: %v", err)
	}
	if out[0].Language != "TypeScript" {
		t.Errorf("language = %q, want it kept as submitted", out[0].Language)
	}
	if out[1].Language != DefaultLanguage {
		t.Errorf("blank language = %q, want default", out[1].Language)
	}
	_, err = NormalizeBlocks([]Block{{Content: "a", Language: strings.Repeat("x", maxLanguageLen+1)}})
	if err != ErrLanguageTooLong {
		t.Errorf("long language err = %v, want ErrLanguageTooLong", err)
	}
}
