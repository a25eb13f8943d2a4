package svc

import (
	"context"

	"pastebook/metrics"
	"pastebook/pkg/domain"
	"pastebook/svc/db"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

// guard decides whether the caller may read, or with write set edit, paste.
// Expired pastes are reported as missing whatever password was supplied.
// Protected pastes need the password on every request, edits included.
func (p *Paste) guard(ctx context.Context, paste *domain.Paste, password string, write bool) error {
	if paste.Expired(p.now()) {
		return domain.ErrPasteNotFound
	}
	if paste.Protected() {
		if password == "" {
			metrics.AccessDenied.WithLabelValues("password_required").Inc()
			return &domain.PasswordRequiredError{Locked: domain.Locked{
				ID:        paste.ID,
				Title:     paste.Title,
				Alias:     paste.Alias,
				Protected: true,
			}}
		}
		ok, err := p.hasher.Verify(ctx, password, paste.PasswordHash)
		if err != nil {
			return errors.Wrap(err, "verify password")
		}
		if !ok {
			metrics.AccessDenied.WithLabelValues("invalid_password").Inc()
			return domain.ErrInvalidPassword
		}
		if p.hasher.NeedsRehash(paste.PasswordHash) {
			p.rehash(paste.ID, password)
		}
	}
	if write && !paste.IsEditable {
		metrics.AccessDenied.WithLabelValues("not_editable").Inc()
		return domain.ErrNotEditable
	}
	return nil
}

// rehash upgrades a stored hash made with old parameters in the background.
func (p *Paste) rehash(id, password string) {
	if p.shutdown.Load() {
		return
	}
	p.opWg.Add(1)
	go func() {
		defer p.opWg.Done()
		ctx := p.shutdownCtx
		hash, err := p.hasher.Hash(ctx, password)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("password rehash failed")
			return
		}
		err = p.withRepo(ctx, func(r *db.Repo) error {
			return r.SetPasswordHash(ctx, id, hash)
		})
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to store upgraded password hash")
			return
		}
		util.Info().Str("id", id).Msg("password hash upgraded")
	}()
}
