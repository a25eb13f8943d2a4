package svc

import (
	"context"
	"strings"
	"sync/atomic"

	"pastebook/metrics"
	"pastebook/pkg/domain"
	"pastebook/svc/db"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

// Create validates params, stores attachments and inserts the paste with
// its blocks and file rows in one transaction.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.View, error) {
	done, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	currentLoad := atomic.AddInt32(&p.activeCreateOps, 1)
	defer atomic.AddInt32(&p.activeCreateOps, -1)
	if p.cfg.MaxWorkerLoad > 0 && currentLoad > int32(p.cfg.MaxWorkerLoad) {
		return nil, domain.ErrStorageBusy
	}
	body, err := p.validateBody(params.Body)
	if err != nil {
		return nil, err
	}
	alias := strings.TrimSpace(params.Alias)
	if alias != "" && !domain.ValidAlias(alias) {
		return nil, domain.ErrInvalidAlias
	}
	if params.ExpiresIn < 0 || (p.cfg.Limits.MaxExpiry > 0 && params.ExpiresIn > p.cfg.Limits.MaxExpiry) {
		return nil, domain.ErrInvalidExpiry
	}
	if err := p.validateUploads(params.Files); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	paste := &domain.Paste{
		ID:         domain.NewID(),
		Title:      domain.NormalizeTitle(params.Title, p.cfg.DefaultTitle),
		Alias:      alias,
		Content:    body,
		IsPrivate:  params.IsPrivate,
		IsEditable: params.IsEditable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if params.ExpiresIn > 0 {
		exp := now.Add(params.ExpiresIn)
		paste.ExpiresAt = &exp
	}
	if params.Password != "" {
		paste.PasswordHash, err = p.hasher.Hash(ctx, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash password")
		}
	}
	for _, up := range params.Files {
		f, err := p.files.Prepare(ctx, paste.ID, up)
		if err != nil {
			p.files.Discard(context.Background(), paste.Files)
			metrics.StorageErrors.WithLabelValues("file").Inc()
			return nil, errors.Wrap(domain.ErrStorageUnavailable, err.Error())
		}
		if len(f.SealedDEK) > 0 {
			metrics.EncryptionOps.WithLabelValues("seal").Inc()
		}
		paste.Files = append(paste.Files, f)
	}
	err = p.withWriteRepo(ctx, func(r *db.Repo) error {
		return r.Create(ctx, paste)
	})
	if err != nil {
		p.files.Discard(context.Background(), paste.Files)
		return nil, err
	}
	metrics.PasteCreated.WithLabelValues(body.Kind.String()).Inc()
	util.Ctx(ctx).Info().
		Str("id", paste.ID).
		Str("style", body.Kind.String()).
		Int("files", len(paste.Files)).
		Bool("protected", paste.Protected()).
		Msg("paste created")
	return domain.NewView(paste), nil
}

// Edit replaces the title and/or body of an editable paste and returns the
// paste as stored afterwards. Invalid input is rejected before anything is
// touched.
func (p *Paste) Edit(ctx context.Context, params domain.EditParams) (*domain.View, error) {
	done, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if params.Title == nil && params.Body == nil {
		return nil, domain.ErrNothingToUpdate
	}
	var title *string
	if params.Title != nil {
		t := domain.NormalizeTitle(*params.Title, p.cfg.DefaultTitle)
		title = &t
	}
	var body *domain.Content
	if params.Body != nil {
		b, err := p.validateBody(*params.Body)
		if err != nil {
			return nil, err
		}
		body = &b
	}
	var view *domain.View
	err = p.withWriteRepo(ctx, func(r *db.Repo) error {
		paste, err := resolve(ctx, r, params.Ref)
		if err != nil {
			return err
		}
		if err := p.guard(ctx, paste, params.Password, true); err != nil {
			return err
		}
		if err := r.Update(ctx, paste.ID, title, body, p.now().UTC()); err != nil {
			return err
		}
		fresh, err := r.FindByID(ctx, paste.ID)
		if err != nil {
			return err
		}
		view = domain.NewView(fresh)
		return nil
	})
	if err != nil {
		if _, ok := domain.AsErr(err); !ok {
			util.Ctx(ctx).Error().Err(err).Str("ref", params.Ref).Msg("edit failed")
			return nil, errors.Wrap(domain.ErrUpdateFailed, err.Error())
		}
		return nil, err
	}
	metrics.PasteEdited.WithLabelValues(view.Style).Inc()
	util.Ctx(ctx).Info().Str("id", view.ID).Str("style", view.Style).Msg("paste edited")
	return view, nil
}
func (p *Paste) validateBody(c domain.Content) (domain.Content, error) {
	if limit := p.cfg.Limits.MaxPasteSize; limit > 0 && int64(c.Size()) > limit {
		return domain.Content{}, domain.ErrPasteTooLarge
	}
	body, err := c.Normalize()
	if err != nil {
		return domain.Content{}, err
	}
	if limit := p.cfg.Limits.MaxBlocks; limit > 0 && len(body.Blocks) > limit {
		return domain.Content{}, domain.ErrTooManyBlocks
	}
	util.Debug().Str("content", util.RedactPasteContent(body.Text)).Int("blocks", len(body.Blocks)).Msg("body validated")
	return body, nil
}
func (p *Paste) validateUploads(ups []domain.Upload) error {
	if len(ups) == 0 {
		return nil
	}
	if len(ups) > p.cfg.Limits.MaxFiles {
		return domain.ErrTooManyFiles
	}
	for _, up := range ups {
		if int64(len(up.Data)) > p.cfg.Limits.MaxFileSize {
			return domain.ErrFileTooLarge
		}
	}
	return nil
}
