package schema

import (
	"context"
	"time"

	"pastebook/svc/cache"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Prober answers questions about the live storage schema.
type Prober interface {
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)
}

// Optional schema elements the repository can work without.
const (
	TablePastes   = "pastes"
	TableBlocks   = "blocks"
	TableFiles    = "files"
	ColAlias      = "alias"
	ColPassword   = "password_hash"
	ColViewCount  = "view_count"
	ColStyle      = "style"
	probeCacheCap = 64
)

const probeTimeout = 5 * time.Second

// Capabilities is a snapshot of which optional elements exist. A false
// field selects the bare query shape for that element. Blocks needs both
// the blocks table and the pastes.style column.
type Capabilities struct {
	Alias     bool `json:"alias"`
	Password  bool `json:"password"`
	ViewCount bool `json:"view_count"`
	Blocks    bool `json:"blocks"`
	Files     bool `json:"files"`
}

func (c Capabilities) Rich() bool {
	return c.Alias && c.Password && c.ViewCount && c.Blocks && c.Files
}

type Tolerance struct {
	p     Prober
	cache *cache.LRU[bool]
	group singleflight.Group
}

// New returns a Tolerance that caches individual probe results for ttl.
// A zero ttl probes on every Snapshot.
func New(p Prober, ttl time.Duration) (*Tolerance, error) {
	c, err := cache.NewLRU[bool](probeCacheCap, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "probe cache")
	}
	return &Tolerance{p: p, cache: c}, nil
}

// Snapshot probes (or recalls) every optional element. Concurrent callers
// share one round of probes.
func (t *Tolerance) Snapshot(ctx context.Context) (Capabilities, error) {
	return t.shared(ctx, "snapshot", false)
}

// Fresh probes every optional element against the live schema, ignoring
// cached results, and refreshes the cache with what it finds.
func (t *Tolerance) Fresh(ctx context.Context) (Capabilities, error) {
	return t.shared(ctx, "fresh", true)
}

// shared runs one round of probes per key on a context detached from any
// single caller, so a cancelled request does not fail the others waiting
// on the same round.
func (t *Tolerance) shared(ctx context.Context, key string, fresh bool) (Capabilities, error) {
	ch := t.group.DoChan(key, func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		return t.probe(pctx, fresh)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Capabilities{}, res.Err
		}
		return res.Val.(Capabilities), nil
	case <-ctx.Done():
		return Capabilities{}, errors.Wrap(ctx.Err(), "schema probe")
	}
}
func (t *Tolerance) probe(ctx context.Context, fresh bool) (Capabilities, error) {
	var (
		c       Capabilities
		styleOK bool
	)
	checks := []struct {
		dst    *bool
		table  string
		column string
	}{
		{&c.Alias, TablePastes, ColAlias},
		{&c.Password, TablePastes, ColPassword},
		{&c.ViewCount, TablePastes, ColViewCount},
		{&c.Blocks, TableBlocks, ""},
		{&styleOK, TablePastes, ColStyle},
		{&c.Files, TableFiles, ""},
	}
	for _, ck := range checks {
		ok, err := t.exists(ctx, ck.table, ck.column, fresh)
		if err != nil {
			return Capabilities{}, err
		}
		*ck.dst = ok
	}
	c.Blocks = c.Blocks && styleOK
	return c, nil
}
func (t *Tolerance) exists(ctx context.Context, table, column string, fresh bool) (bool, error) {
	key := table + "." + column
	if !fresh {
		if v, ok := t.cache.Get(ctx, key); ok {
			return v, nil
		}
	}
	var (
		ok  bool
		err error
	)
	if column == "" {
		ok, err = t.p.TableExists(ctx, table)
	} else {
		ok, err = t.p.ColumnExists(ctx, table, column)
	}
	if err != nil {
		return false, errors.Wrapf(err, "probe %s", key)
	}
	t.cache.Set(key, ok)
	return ok, nil
}

// Invalidate drops every cached probe so the next Snapshot sees the live schema.
func (t *Tolerance) Invalidate() {
	t.cache.Purge()
}
