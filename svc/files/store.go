package files

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"pastebook/pkg/domain"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

const maxNameLen = 255

// Backend keeps attachment bytes outside the database.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Sealer encrypts attachment bytes bound to the file id.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, fileID string) (ciphertext, wrappedDEK []byte, err error)
	Open(ctx context.Context, ciphertext, wrappedDEK []byte, fileID string) ([]byte, error)
}

// Store turns uploads into file rows and back. With no Backend the bytes
// live inline in the row; with no Sealer they are stored as given.
type Store struct {
	backend Backend
	sealer  Sealer
}

func NewStore(b Backend, s Sealer) *Store {
	return &Store{backend: b, sealer: s}
}

// Prepare stores the bytes of up and returns the row to insert for pasteID.
// When the row is not committed the caller must Discard it.
func (s *Store) Prepare(ctx context.Context, pasteID string, up domain.Upload) (domain.File, error) {
	f := domain.File{
		ID:           domain.NewID(),
		PasteID:      pasteID,
		OriginalName: SanitizeName(up.Name),
		MimeType:     detectMime(up.MimeType, up.Data),
		Size:         int64(len(up.Data)),
		CreatedAt:    time.Now().UTC(),
	}
	data := up.Data
	if s.sealer != nil {
		ct, dek, err := s.sealer.Seal(ctx, up.Data, f.ID)
		if err != nil {
			return domain.File{}, errors.Wrap(err, "seal file")
		}
		data, f.SealedDEK = ct, dek
	}
	if s.backend == nil {
		f.Inline = data
		return f, nil
	}
	key := blobKey(pasteID, f.ID)
	if err := s.backend.Put(ctx, key, data, f.MimeType); err != nil {
		return domain.File{}, errors.Wrapf(err, "store blob %s", key)
	}
	f.BlobKey = key
	return f, nil
}

// Read returns the plaintext bytes of f.
func (s *Store) Read(ctx context.Context, f *domain.File) ([]byte, error) {
	data := f.Inline
	if f.BlobKey != "" {
		if s.backend == nil {
			return nil, errors.Errorf("file %s is stored externally but no backend is configured", f.ID)
		}
		var err error
		data, err = s.backend.Get(ctx, f.BlobKey)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch blob %s", f.BlobKey)
		}
	}
	if len(f.SealedDEK) == 0 {
		return data, nil
	}
	if s.sealer == nil {
		return nil, errors.Errorf("file %s is sealed but encryption is not configured", f.ID)
	}
	plain, err := s.sealer.Open(ctx, data, f.SealedDEK, f.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "open file %s", f.ID)
	}
	return plain, nil
}

// Discard removes external blobs of files. Failures are logged, not returned.
func (s *Store) Discard(ctx context.Context, files []domain.File) int {
	if s.backend == nil {
		return 0
	}
	n := 0
	for _, f := range files {
		if f.BlobKey == "" {
			continue
		}
		if err := s.backend.Remove(ctx, f.BlobKey); err != nil {
			util.Warn().Err(err).Str("file_id", f.ID).Msg("Failed to remove blob")
			continue
		}
		n++
	}
	return n
}
func blobKey(pasteID, fileID string) string {
	return "pastes/" + pasteID + "/" + fileID
}

// SanitizeName keeps the base name of an uploaded file without control
// characters, capped at 255 bytes.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.ToValidUTF8(name, "")
	for len(name) > maxNameLen {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if name == "" || name == "." || name == "/" || name == ".." {
		return "file"
	}
	return name
}
func detectMime(declared string, data []byte) string {
	declared = strings.TrimSpace(strings.ToLower(declared))
	if declared != "" && declared != "application/octet-stream" && !strings.ContainsAny(declared, "\r\n") {
		return declared
	}
	return http.DetectContentType(data)
}
