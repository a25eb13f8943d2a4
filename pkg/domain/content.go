package domain

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxLanguageLen = 32

// Normalize validates c for a write and returns the form to persist.
// Flat text must contain something other than whitespace. Blocks with
// blank content are dropped, the rest are renumbered 0..n-1 in submission
// order and keep their id only when it has the identifier shape.
func (c Content) Normalize() (Content, error) {
	if c.Kind == ContentBlocks {
		blocks, err := NormalizeBlocks(c.Blocks)
		if err != nil {
			return Content{}, err
		}
		return BlockContent(blocks), nil
	}
	text := SanitizeText(c.Text)
	if strings.TrimSpace(text) == "" {
		return Content{}, ErrContentRequired
	}
	return FlatContent(text), nil
}

func NormalizeBlocks(in []Block) ([]Block, error) {
	out := make([]Block, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, b := range in {
		content := SanitizeText(b.Content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		lang, err := normalizeLanguage(b.Language)
		if err != nil {
			return nil, err
		}
		id := CanonicalID(strings.TrimSpace(b.ID))
		if _, dup := seen[id]; dup || !IsID(id) {
			id = NewID()
		}
		seen[id] = struct{}{}
		out = append(out, Block{
			ID:       id,
			Content:  content,
			Language: lang,
			Order:    len(out),
		})
	}
	if len(out) == 0 {
		return nil, ErrNoBlocks
	}
	return out, nil
}

// Check reports ErrInvariant when c is not exactly one non-empty representation.
func (c Content) Check() error {
	switch c.Kind {
	case ContentFlat:
		if strings.TrimSpace(c.Text) == "" || len(c.Blocks) > 0 {
			return ErrInvariant
		}
	case ContentBlocks:
		if len(c.Blocks) == 0 || c.Text != "" {
			return ErrInvariant
		}
		for i, b := range c.Blocks {
			if b.Order != i || strings.TrimSpace(b.Content) == "" {
				return ErrInvariant
			}
		}
	default:
		return ErrInvariant
	}
	return nil
}

// Size is the number of content bytes c carries.
func (c Content) Size() int {
	if c.Kind == ContentFlat {
		return len(c.Text)
	}
	n := 0
	for _, b := range c.Blocks {
		n += len(b.Content)
	}
	return n
}

// normalizeLanguage keeps the tag as submitted apart from surrounding
// whitespace. An empty tag becomes DefaultLanguage.
func normalizeLanguage(lang string) (string, error) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return DefaultLanguage, nil
	}
	if len(lang) > maxLanguageLen {
		return "", ErrLanguageTooLong
	}
	return lang, nil
}

// SanitizeText NFC-normalises s, drops invalid UTF-8 and strips control
// characters other than newline, carriage return and tab.
func SanitizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// NormalizeTitle trims the title and falls back to def when nothing is left.
func NormalizeTitle(title, def string) string {
	title = strings.TrimSpace(SanitizeText(title))
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return def
	}
	if utf8.RuneCountInString(title) > 200 {
		title = string([]rune(title)[:200])
	}
	return title
}
