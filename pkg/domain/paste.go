package domain

import (
	"time"
)

const (
	DefaultLanguage = "text"
	DefaultTitle    = "Untitled"
)

type ContentKind int

const (
	ContentFlat ContentKind = iota
	ContentBlocks
)

func (k ContentKind) String() string {
	if k == ContentBlocks {
		return "blocks"
	}
	return "flat"
}

// Content is the body of a paste. Exactly one representation is active:
// Text for ContentFlat, Blocks for ContentBlocks.
type Content struct {
	Kind   ContentKind
	Text   string
	Blocks []Block
}

func FlatContent(text string) Content {
	return Content{Kind: ContentFlat, Text: text}
}
func BlockContent(blocks []Block) Content {
	return Content{Kind: ContentBlocks, Blocks: blocks}
}

type Block struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Language string `json:"language"`
	Order    int    `json:"order"`
}

type File struct {
	ID           string    `json:"id"`
	PasteID      string    `json:"-"`
	OriginalName string    `json:"name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	Inline       []byte    `json:"-"`
	BlobKey      string    `json:"-"`
	SealedDEK    []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Paste struct {
	ID           string
	Title        string
	Alias        string
	Content      Content
	ExpiresAt    *time.Time
	IsPrivate    bool
	IsEditable   bool
	PasswordHash string
	ViewCount    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Files        []File
}

func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}
func (p *Paste) Protected() bool {
	return p.PasswordHash != ""
}

// View is the read model returned to callers after access was granted.
type View struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Alias      string     `json:"alias,omitempty"`
	Style      string     `json:"style"`
	Content    string     `json:"content"`
	Blocks     []Block    `json:"blocks"`
	Files      []File     `json:"files"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsPrivate  bool       `json:"is_private"`
	IsEditable bool       `json:"is_editable"`
	Protected  bool       `json:"protected"`
	ViewCount  int64      `json:"view_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Locked is all that is disclosed about a password-protected paste before
// the password has been supplied.
type Locked struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Alias     string `json:"alias,omitempty"`
	Protected bool   `json:"protected"`
}

func NewView(p *Paste) *View {
	v := &View{
		ID:         p.ID,
		Title:      p.Title,
		Alias:      p.Alias,
		Style:      p.Content.Kind.String(),
		Blocks:     []Block{},
		Files:      []File{},
		ExpiresAt:  p.ExpiresAt,
		IsPrivate:  p.IsPrivate,
		IsEditable: p.IsEditable,
		Protected:  p.Protected(),
		ViewCount:  p.ViewCount,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
	if p.Content.Kind == ContentBlocks {
		v.Blocks = append(v.Blocks, p.Content.Blocks...)
	} else {
		v.Content = p.Content.Text
	}
	v.Files = append(v.Files, p.Files...)
	return v
}

type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

type CreateParams struct {
	Title      string
	Alias      string
	Body       Content
	ExpiresIn  time.Duration
	IsPrivate  bool
	IsEditable bool
	Password   string
	Files      []Upload
}

// EditParams carries an edit request. Nil Title or Body leaves that part untouched.
type EditParams struct {
	Ref      string
	Password string
	Title    *string
	Body     *Content
}
