package svc

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pastebook/cfg"
	"pastebook/pkg/domain"
	"pastebook/svc/auth"
	"pastebook/svc/db"
	"pastebook/svc/files"
	"pastebook/svc/schema"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type harness struct {
	svc *Paste
	db  *db.SQLite
	tol *schema.Tolerance
}

func newHarness(t *testing.T, version int, probeTTL time.Duration) *harness {
	t.Helper()
	s, err := db.Open(db.Options{
		Path:      filepath.Join(t.TempDir(), "svc.db"),
		TxTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.MigrateTo(context.Background(), version); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}
	tol, err := schema.New(s.Prober(), probeTTL)
	if err != nil {
		t.Fatal(err)
	}
	h, err := auth.NewHasher(auth.Params{Time: 1, Memory: 8 * 1024, Parallelism: 1, MinVerify: -1}, bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	c := &cfg.Cfg{
		DefaultTitle: "Untitled",
		ViewWorkers:  1,
		Limits: cfg.Limits{
			MaxPasteSize: 1 << 20,
			MaxBlocks:    50,
			MaxFileSize:  1 << 20,
			MaxFiles:     3,
			MaxExpiry:    30 * 24 * time.Hour,
		},
	}
	p := NewPaste(s, tol, h, files.NewStore(nil, nil), c)
	t.Cleanup(p.Shutdown)
	return &harness{svc: p, db: s, tol: tol}
}

func flat(text string) domain.Content {
	return domain.FlatContent(text)
}

func isKind(err error, kind string) bool {
	e, ok := domain.AsErr(err)
	return ok && e.Code == kind
}

func TestCreateFlatDefaultsTitle(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	v, err := h.svc.Create(context.Background(), domain.CreateParams{Body: flat("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if v.Title != "Untitled" || v.Content != "hello" || len(v.Blocks) != 0 || v.Style != "flat" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestCreateBlocksDropsBlank(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	body := domain.BlockContent([]domain.Block{
		{Content: "a", Language: "python"},
		{Content: "  ", Language: "text"},
	})
	v, err := h.svc.Create(context.Background(), domain.CreateParams{Body: body})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Blocks) != 1 || v.Blocks[0].Content != "a" || v.Blocks[0].Order != 0 || v.Blocks[0].Language != "python" {
		t.Fatalf("unexpected blocks %+v", v.Blocks)
	}
	if v.Content != "" || v.Style != "blocks" {
		t.Fatalf("block paste carries flat content: %+v", v)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	cases := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty", domain.CreateParams{Body: flat("  \n")}, domain.ErrContentRequired},
		{"no blocks", domain.CreateParams{Body: domain.BlockContent([]domain.Block{{Content: " "}})}, domain.ErrNoBlocks},
		{"bad alias", domain.CreateParams{Body: flat("x"), Alias: "a b"}, domain.ErrInvalidAlias},
		{"negative expiry", domain.CreateParams{Body: flat("x"), ExpiresIn: -time.Second}, domain.ErrInvalidExpiry},
		{"long expiry", domain.CreateParams{Body: flat("x"), ExpiresIn: 365 * 24 * time.Hour}, domain.ErrInvalidExpiry},
		{"too many files", domain.CreateParams{Body: flat("x"), Files: make([]domain.Upload, 4)}, domain.ErrTooManyFiles},
		{"big file", domain.CreateParams{Body: flat("x"), Files: []domain.Upload{{Data: make([]byte, 2<<20)}}}, domain.ErrFileTooLarge},
		{"big body", domain.CreateParams{Body: flat(strings.Repeat("x", 2<<20))}, domain.ErrPasteTooLarge},
	}
	for _, tc := range cases {
		if _, err := h.svc.Create(ctx, tc.params); errors.Cause(err) != tc.want {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestAliasConflictIgnoresCase(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	if _, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("a"), Alias: "Foo"}); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("b"), Alias: "foo"})
	if !isKind(err, domain.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestResolveAliasIgnoresCase(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("a"), Alias: "myLink"})
	if err != nil {
		t.Fatal(err)
	}
	v, err := h.svc.Get(ctx, "MyLink", "")
	if err != nil {
		t.Fatal(err)
	}
	if v.ID != created.ID || v.Alias != "myLink" {
		t.Fatalf("resolved %+v", v)
	}
	if _, err := h.svc.Get(ctx, "nope", ""); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("unknown ref err = %v", err)
	}
	if _, err := h.svc.Get(ctx, "", ""); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("empty ref err = %v", err)
	}
}

func TestResolveIDBeatsAlias(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	a, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("by id")})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("by alias"), Alias: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	v, err := h.svc.Get(ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if v.ID != a.ID || v.Content != "by id" {
		t.Fatalf("resolved %s, want %s", v.ID, a.ID)
	}
	v, err = h.svc.Get(ctx, strings.ToUpper(a.ID), "")
	if err != nil || v.ID != a.ID {
		t.Fatalf("upper-case id resolved %v, %v", v, err)
	}
	if v, err := h.svc.Get(ctx, b.ID, ""); err != nil || v.ID != b.ID {
		t.Fatalf("b by id: %v, %v", v, err)
	}
}

func TestEditKeepsBlockIdentity(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	body := domain.BlockContent([]domain.Block{{Content: "one"}, {Content: "two", Language: "go"}})
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: body, IsEditable: true})
	if err != nil {
		t.Fatal(err)
	}
	resubmit := domain.BlockContent(append([]domain.Block(nil), created.Blocks...))
	edited, err := h.svc.Edit(ctx, domain.EditParams{Ref: created.ID, Body: &resubmit})
	if err != nil {
		t.Fatal(err)
	}
	if len(edited.Blocks) != len(created.Blocks) {
		t.Fatalf("block count %d, want %d", len(edited.Blocks), len(created.Blocks))
	}
	for i := range created.Blocks {
		if edited.Blocks[i].ID != created.Blocks[i].ID {
			t.Fatalf("block %d id changed: %s -> %s", i, created.Blocks[i].ID, edited.Blocks[i].ID)
		}
	}
}

func TestEditRejectsEmptyBlockSet(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{
		Body:       domain.BlockContent([]domain.Block{{Content: "keep"}}),
		IsEditable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	empty := domain.BlockContent([]domain.Block{{Content: " "}, {Content: ""}})
	if _, err := h.svc.Edit(ctx, domain.EditParams{Ref: created.ID, Body: &empty}); errors.Cause(err) != domain.ErrNoBlocks {
		t.Fatalf("err = %v", err)
	}
	v, err := h.svc.Get(ctx, created.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Blocks) != 1 || v.Blocks[0].ID != created.Blocks[0].ID || v.Blocks[0].Content != "keep" {
		t.Fatalf("blocks changed: %+v", v.Blocks)
	}
}

func TestEditFlatToBlocks(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("text"), IsEditable: true})
	if err != nil {
		t.Fatal(err)
	}
	body := domain.BlockContent([]domain.Block{{Content: "x", Order: 9}, {Content: "y", Order: 3}})
	title := "  New   title "
	v, err := h.svc.Edit(ctx, domain.EditParams{Ref: created.ID, Title: &title, Body: &body})
	if err != nil {
		t.Fatal(err)
	}
	if v.Style != "blocks" || v.Content != "" || len(v.Blocks) != 2 || v.Title != "New title" {
		t.Fatalf("unexpected view %+v", v)
	}
	for i, b := range v.Blocks {
		if b.Order != i {
			t.Fatalf("block %d has order %d", i, b.Order)
		}
	}
	if v.Blocks[0].Content != "x" {
		t.Fatal("submission order not kept")
	}
	back := flat("plain again")
	v, err = h.svc.Edit(ctx, domain.EditParams{Ref: created.ID, Body: &back})
	if err != nil {
		t.Fatal(err)
	}
	if v.Style != "flat" || v.Content != "plain again" || len(v.Blocks) != 0 || v.Title != "New title" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestEditGuards(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	locked, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("x")})
	if err != nil {
		t.Fatal(err)
	}
	body := flat("y")
	if _, err := h.svc.Edit(ctx, domain.EditParams{Ref: locked.ID, Body: &body}); errors.Cause(err) != domain.ErrNotEditable {
		t.Fatalf("err = %v, want not editable", err)
	}
	if _, err := h.svc.Edit(ctx, domain.EditParams{Ref: locked.ID}); errors.Cause(err) != domain.ErrNothingToUpdate {
		t.Fatalf("err = %v", err)
	}
	prot, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("x"), Password: "pw", IsEditable: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.Edit(ctx, domain.EditParams{Ref: prot.ID, Body: &body})
	var pr *domain.PasswordRequiredError
	if !errors.As(err, &pr) {
		t.Fatalf("err = %v, want password required", err)
	}
	if _, err := h.svc.Edit(ctx, domain.EditParams{Ref: prot.ID, Body: &body, Password: "bad"}); errors.Cause(err) != domain.ErrInvalidPassword {
		t.Fatalf("err = %v, want invalid password", err)
	}
	v, err := h.svc.Edit(ctx, domain.EditParams{Ref: prot.ID, Body: &body, Password: "pw"})
	if err != nil || v.Content != "y" {
		t.Fatalf("edit with password: %v, %v", v, err)
	}
	if _, err := h.svc.Edit(ctx, domain.EditParams{Ref: "missing-ref", Body: &body}); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestPasswordGuard(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("secret"), Password: "pw", Alias: "hidden"})
	if err != nil {
		t.Fatal(err)
	}
	if !created.Protected {
		t.Fatal("created view not marked protected")
	}
	_, err = h.svc.Get(ctx, "hidden", "")
	var pr *domain.PasswordRequiredError
	if !errors.As(err, &pr) {
		t.Fatalf("err = %v", err)
	}
	if pr.Locked.ID != created.ID || pr.Locked.Alias != "hidden" || !pr.Locked.Protected {
		t.Fatalf("locked view %+v", pr.Locked)
	}
	if !isKind(err, domain.KindPasswordRequired) {
		t.Fatal("password required has wrong kind")
	}
	if _, err := h.svc.Get(ctx, "hidden", "wrong"); errors.Cause(err) != domain.ErrInvalidPassword {
		t.Fatalf("err = %v", err)
	}
	v, err := h.svc.Get(ctx, "hidden", "pw")
	if err != nil || v.Content != "secret" {
		t.Fatalf("Get with password: %v, %v", v, err)
	}

	open, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("open")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Get(ctx, open.ID, "anything"); err != nil {
		t.Fatalf("unprotected paste with password supplied: %v", err)
	}
}

func TestExpiredIsNotFound(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("x"), Password: "pw", ExpiresIn: time.Hour, IsEditable: true})
	if err != nil {
		t.Fatal(err)
	}
	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	for _, pw := range []string{"", "pw", "wrong"} {
		if _, err := h.svc.Get(ctx, created.ID, pw); errors.Cause(err) != domain.ErrPasteNotFound {
			t.Fatalf("Get(%q) err = %v", pw, err)
		}
	}
	body := flat("y")
	if _, err := h.svc.Edit(ctx, domain.EditParams{Ref: created.ID, Body: &body, Password: "pw"}); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("Edit err = %v", err)
	}
	if _, _, err := h.svc.OpenFile(ctx, created.ID, domain.NewID(), "pw"); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("OpenFile err = %v", err)
	}
	n, err := h.svc.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d, %v", n, err)
	}
	h.svc.now = time.Now
	if _, err := h.svc.Get(ctx, created.ID, "pw"); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("purged paste err = %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{
		Body:     flat("with file"),
		Password: "pw",
		Files:    []domain.Upload{{Name: "../a.txt", MimeType: "text/plain", Data: []byte("attached")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(created.Files) != 1 || created.Files[0].OriginalName != "a.txt" {
		t.Fatalf("files %+v", created.Files)
	}
	fid := created.Files[0].ID
	if _, _, err := h.svc.OpenFile(ctx, created.ID, fid, ""); !isKind(err, domain.KindPasswordRequired) {
		t.Fatalf("err = %v", err)
	}
	f, data, err := h.svc.OpenFile(ctx, created.ID, fid, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "attached" || f.MimeType != "text/plain" || f.Size != 8 {
		t.Fatalf("file %+v data %q", f, data)
	}
	if _, _, err := h.svc.OpenFile(ctx, created.ID, domain.NewID(), "pw"); errors.Cause(err) != domain.ErrFileNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestViewCounter(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("x")})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Get(ctx, created.ID, ""); err != nil {
			t.Fatal(err)
		}
	}
	h.svc.Shutdown()
	p, err := h.svc.Resolve(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.ViewCount != 3 {
		t.Fatalf("view count = %d, want 3", p.ViewCount)
	}
	if _, err := h.svc.Get(ctx, created.ID, ""); err != ErrShuttingDown {
		t.Fatalf("Get after shutdown err = %v", err)
	}
}

func TestLegacyHashUpgraded(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Minute)
	ctx := context.Background()
	legacy, err := bcrypt.GenerateFromPassword([]byte("old"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	caps, err := h.tol.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	p := &domain.Paste{
		ID:           domain.NewID(),
		Title:        "legacy",
		Content:      flat("old paste"),
		PasswordHash: string(legacy),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.db.Repo(caps).Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Get(ctx, p.ID, "old"); err != nil {
		t.Fatal(err)
	}
	h.svc.Shutdown()
	stored, err := h.db.Repo(caps).FindByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stored.PasswordHash, "$argon2id$") {
		t.Fatalf("hash not upgraded: %q", stored.PasswordHash)
	}
}

func TestBareSchemaDegrades(t *testing.T) {
	h := newHarness(t, 1, 0)
	ctx := context.Background()
	v, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("bare")})
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.svc.Get(ctx, v.ID, "")
	if err != nil || got.Content != "bare" || got.Protected {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	blocks := domain.BlockContent([]domain.Block{{Content: "a"}})
	if _, err := h.svc.Create(ctx, domain.CreateParams{Body: blocks}); errors.Cause(err) != domain.ErrBlocksUnsupported {
		t.Fatalf("blocks on bare schema err = %v", err)
	}
	if _, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("x"), Password: "pw"}); errors.Cause(err) != domain.ErrPasswordUnsupported {
		t.Fatalf("password on bare schema err = %v", err)
	}
	if _, err := h.svc.Get(ctx, "some-alias", ""); errors.Cause(err) != domain.ErrPasteNotFound {
		t.Fatalf("alias lookup on bare schema err = %v", err)
	}

	if err := h.db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	created, err := h.svc.Create(ctx, domain.CreateParams{Body: blocks, Alias: "later"})
	if err != nil {
		t.Fatalf("blocks after migration: %v", err)
	}
	if created.Style != "blocks" {
		t.Fatalf("style = %s", created.Style)
	}
	old, err := h.svc.Get(ctx, v.ID, "")
	if err != nil || old.Content != "bare" || old.Style != "flat" {
		t.Fatalf("old paste after migration: %+v, %v", old, err)
	}
}

func TestSchemaDriftReprobes(t *testing.T) {
	h := newHarness(t, db.LatestVersion(), time.Hour)
	ctx := context.Background()
	if _, err := h.tol.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.db.DB().ExecContext(ctx, "DROP TABLE blocks"); err != nil {
		t.Fatal(err)
	}
	blocks := domain.BlockContent([]domain.Block{{Content: "a"}})
	_, err := h.svc.Create(ctx, domain.CreateParams{Body: blocks})
	if errors.Cause(err) != domain.ErrBlocksUnsupported {
		t.Fatalf("err = %v, want blocks unsupported after re-probe", err)
	}
	caps, err := h.tol.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if caps.Blocks {
		t.Fatal("snapshot still reports blocks")
	}
	if _, err := h.svc.Create(ctx, domain.CreateParams{Body: flat("still works")}); err != nil {
		t.Fatalf("flat create after drift: %v", err)
	}
}

func TestEditAfterMigrationUsesLiveSchema(t *testing.T) {
	h := newHarness(t, 4, time.Hour)
	ctx := context.Background()
	if caps, err := h.tol.Snapshot(ctx); err != nil || caps.Blocks {
		t.Fatalf("snapshot before migration = %+v, %v", caps, err)
	}
	if err := h.db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	live, err := schema.New(h.db.Prober(), 0)
	if err != nil {
		t.Fatal(err)
	}
	caps, err := live.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	p := &domain.Paste{
		ID:         domain.NewID(),
		Title:      "written elsewhere",
		Content:    domain.BlockContent([]domain.Block{{ID: domain.NewID(), Content: "old block", Language: "text"}}),
		IsEditable: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.db.Repo(caps).Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	body := flat("new text")
	v, err := h.svc.Edit(ctx, domain.EditParams{Ref: p.ID, Body: &body})
	if err != nil {
		t.Fatal(err)
	}
	if v.Style != "flat" || v.Content != "new text" {
		t.Fatalf("edit view = %+v", v)
	}
	stored, err := h.db.Repo(caps).FindByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Content.Kind != domain.ContentFlat || stored.Content.Text != "new text" || len(stored.Content.Blocks) != 0 {
		t.Fatalf("stored content = %+v", stored.Content)
	}
	var n int
	if err := h.db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks WHERE paste_id = ?", p.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("%d blocks left behind", n)
	}
}
