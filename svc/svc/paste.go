package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pastebook/cfg"
	"pastebook/metrics"
	"pastebook/pkg/domain"
	"pastebook/svc/db"
	"pastebook/svc/files"
	"pastebook/svc/schema"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

var ErrShuttingDown = errors.New("service shutting down")

// Hasher hashes and checks paste passwords.
type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
	NeedsRehash(encoded string) bool
}

type Paste struct {
	db              *db.SQLite
	tol             *schema.Tolerance
	hasher          Hasher
	files           *files.Store
	cfg             *cfg.Cfg
	now             func() time.Time
	viewQueue       chan string
	viewWorkerWg    sync.WaitGroup
	activeCreateOps int32
	shutdownCtx     context.Context
	shutdownFn      context.CancelFunc
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
	cleanerRunning  atomic.Bool
}

func NewPaste(sqlDB *db.SQLite, tol *schema.Tolerance, h Hasher, fs *files.Store, c *cfg.Cfg) *Paste {
	if sqlDB == nil || tol == nil || h == nil || fs == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, tolerance, hasher, files, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	workers := c.ViewWorkers
	if workers <= 0 {
		workers = 4
	}
	p := &Paste{
		db:          sqlDB,
		tol:         tol,
		hasher:      h,
		files:       fs,
		cfg:         c,
		now:         time.Now,
		viewQueue:   make(chan string, workers*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	p.startWorkers(workers)
	return p
}
func (p *Paste) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	p.opWg.Wait()
	close(p.viewQueue)
	done := make(chan struct{})
	go func() {
		p.viewWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("view workers didn't stop in time")
	}
	p.shutdownFn()
	util.Debug().Msg("paste service shutdown complete")
}

// begin registers an in-flight operation. The returned func must be called
// when it finishes.
func (p *Paste) begin() (func(), error) {
	if p.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	p.opWg.Add(1)
	return p.opWg.Done, nil
}

// withRepo runs fn against the repository shape matching the live schema.
// A missing column or table means the schema moved under us: the probe
// cache is dropped and fn runs once more against a fresh snapshot.
func (p *Paste) withRepo(ctx context.Context, fn func(r *db.Repo) error) error {
	return p.runRepo(ctx, p.tol.Snapshot, fn)
}

// withWriteRepo is withRepo for writes. The snapshot is probed live, as a
// cached bare shape would write one representation over the other.
func (p *Paste) withWriteRepo(ctx context.Context, fn func(r *db.Repo) error) error {
	return p.runRepo(ctx, p.tol.Fresh, fn)
}
func (p *Paste) runRepo(ctx context.Context, snapshot func(context.Context) (schema.Capabilities, error), fn func(r *db.Repo) error) error {
	for attempt := 0; ; attempt++ {
		caps, err := snapshot(ctx)
		if err != nil {
			metrics.StorageErrors.WithLabelValues("probe").Inc()
			util.Ctx(ctx).Error().Err(err).Msg("schema probe failed")
			return errors.Wrap(domain.ErrStorageUnavailable, err.Error())
		}
		if caps.Rich() {
			metrics.SchemaRich.Set(1)
		} else {
			metrics.SchemaRich.Set(0)
		}
		err = fn(p.db.Repo(caps))
		if err == nil || !db.IsSchemaError(err) {
			return err
		}
		p.tol.Invalidate()
		metrics.SchemaReprobes.Inc()
		if attempt > 0 {
			metrics.StorageErrors.WithLabelValues("schema").Inc()
			util.Ctx(ctx).Error().Err(err).Msg("query still fails after schema re-probe")
			return errors.Wrap(domain.ErrStorageUnavailable, err.Error())
		}
		util.Ctx(ctx).Warn().Err(err).Msg("schema changed, probing again")
	}
}

// Resolve finds the paste ref names. An identifier-shaped ref is looked up
// as an id first; the alias lookup is the fallback.
func (p *Paste) Resolve(ctx context.Context, ref string) (*domain.Paste, error) {
	var found *domain.Paste
	err := p.withRepo(ctx, func(r *db.Repo) error {
		var err error
		found, err = resolve(ctx, r, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
func resolve(ctx context.Context, r *db.Repo, ref string) (*domain.Paste, error) {
	ref = strings.TrimSpace(ref)
	if domain.IsID(ref) {
		found, err := r.FindByID(ctx, ref)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, domain.ErrPasteNotFound) {
			return nil, err
		}
	}
	if !domain.ValidAlias(ref) {
		return nil, domain.ErrPasteNotFound
	}
	return r.FindByAlias(ctx, ref)
}

// Get returns the readable view of a paste and queues a view increment.
func (p *Paste) Get(ctx context.Context, ref, password string) (*domain.View, error) {
	done, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	paste, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := p.guard(ctx, paste, password, false); err != nil {
		return nil, err
	}
	p.queueView(paste.ID)
	metrics.PasteRetrieved.Inc()
	return domain.NewView(paste), nil
}

// OpenFile returns the metadata and plaintext bytes of one attachment.
func (p *Paste) OpenFile(ctx context.Context, ref, fileID, password string) (*domain.File, []byte, error) {
	done, err := p.begin()
	if err != nil {
		return nil, nil, err
	}
	defer done()
	var f *domain.File
	err = p.withRepo(ctx, func(r *db.Repo) error {
		paste, err := resolve(ctx, r, ref)
		if err != nil {
			return err
		}
		if err := p.guard(ctx, paste, password, false); err != nil {
			return err
		}
		f, err = r.File(ctx, paste.ID, fileID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	data, err := p.files.Read(ctx, f)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, nil, domain.ErrFileNotFound
		}
		metrics.StorageErrors.WithLabelValues("file").Inc()
		return nil, nil, errors.Wrap(domain.ErrStorageUnavailable, err.Error())
	}
	if len(f.SealedDEK) > 0 {
		metrics.EncryptionOps.WithLabelValues("open").Inc()
	}
	metrics.FileDownloads.Inc()
	f.Inline = nil
	return f, data, nil
}
func (p *Paste) queueView(id string) {
	select {
	case p.viewQueue <- id:
	default:
		metrics.ViewsDropped.Inc()
		util.Warn().Str("id", id).Msg("view queue full, dropping increment")
	}
}
func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
}
func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("viewWorker panicked")
		}
	}()
	for id := range p.viewQueue {
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		err := p.withRepo(ctx, func(r *db.Repo) error {
			return r.IncrViews(ctx, id)
		})
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			util.Warn().Err(err).Str("id", id).Msg("failed to incr views")
		}
	}
}
