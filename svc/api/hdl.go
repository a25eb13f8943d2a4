package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"pastebook/cfg"
	"pastebook/pkg/domain"
	"pastebook/svc/svc"
	"pastebook/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const multipartMemory = 8 << 20

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type BlockReq struct {
	ID       string `json:"id,omitempty"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}
type CreateReq struct {
	Title            string     `json:"title,omitempty"`
	Alias            string     `json:"alias,omitempty"`
	Content          string     `json:"content,omitempty"`
	Blocks           []BlockReq `json:"blocks,omitempty"`
	ExpiresInSeconds int64      `json:"expires_in_seconds,omitempty"`
	IsPrivate        bool       `json:"is_private,omitempty"`
	IsEditable       bool       `json:"is_editable,omitempty"`
	Password         string     `json:"password,omitempty"`
}

// EditReq leaves a field untouched when it is absent. Content and a
// non-empty Blocks are mutually exclusive.
type EditReq struct {
	Title   *string    `json:"title,omitempty"`
	Content *string    `json:"content,omitempty"`
	Blocks  []BlockReq `json:"blocks"`
}
type ConfigResp struct {
	MaxPasteSize         int64   `json:"max_paste_size"`
	MaxBlocks            int     `json:"max_blocks"`
	MaxFileSize          int64   `json:"max_file_size"`
	MaxFiles             int     `json:"max_files"`
	MaxExpirySeconds     int64   `json:"max_expiry_seconds"`
	ExpiryPresetsSeconds []int64 `json:"expiry_presets_seconds"`
	DefaultTitle         string  `json:"default_title"`
}
type errBody struct {
	domain.ErrResp
	RequestID string `json:"request_id,omitempty"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	var (
		req     CreateReq
		uploads []domain.Upload
	)
	switch mediaType {
	case "application/json":
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Limits.MaxPasteSize*2)
		err = decodeJSON(r.Body, &req)
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.multipartLimit())
		req, uploads, err = h.parseMultipart(r)
	default:
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(errBody{
			ErrResp:   domain.ToResp(domain.ErrInvalidRequest),
			RequestID: util.GetRequestID(r.Context()),
		})
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("media_type", mediaType).Msg("invalid create request")
		writeErr(w, r, err)
		return
	}
	body, err := bodyOf(req.Content, req.Blocks)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ExpiresInSeconds < 0 {
		writeErr(w, r, domain.ErrInvalidExpiry)
		return
	}
	view, err := h.paste.Create(r.Context(), domain.CreateParams{
		Title:      req.Title,
		Alias:      req.Alias,
		Body:       *body,
		ExpiresIn:  time.Duration(req.ExpiresInSeconds) * time.Second,
		IsPrivate:  req.IsPrivate,
		IsEditable: req.IsEditable,
		Password:   req.Password,
		Files:      uploads,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/pastes/"+view.ID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(view)
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	view, err := h.paste.Get(r.Context(), ref, password(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(view)
}
func (h *Hdl) EditPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Limits.MaxPasteSize*2)
	var req EditReq
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().Err(err).Msg("invalid edit request")
		writeErr(w, r, err)
		return
	}
	params := domain.EditParams{
		Ref:      chi.URLParam(r, "ref"),
		Password: password(r),
		Title:    req.Title,
	}
	if req.Content != nil || req.Blocks != nil {
		content := ""
		if req.Content != nil {
			content = *req.Content
		}
		body, err := bodyOf(content, req.Blocks)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		params.Body = body
	}
	view, err := h.paste.Edit(r.Context(), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(view)
}
func (h *Hdl) GetFile(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	f, data, err := h.paste.OpenFile(r.Context(), ref, chi.URLParam(r, "fileID"), password(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.OriginalName}))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
func (h *Hdl) GetConfig(w http.ResponseWriter, r *http.Request) {
	resp := ConfigResp{
		MaxPasteSize:         h.cfg.Limits.MaxPasteSize,
		MaxBlocks:            h.cfg.Limits.MaxBlocks,
		MaxFileSize:          h.cfg.Limits.MaxFileSize,
		MaxFiles:             h.cfg.Limits.MaxFiles,
		MaxExpirySeconds:     int64(h.cfg.Limits.MaxExpiry / time.Second),
		ExpiryPresetsSeconds: make([]int64, len(h.cfg.ExpiryPresets)),
		DefaultTitle:         h.cfg.DefaultTitle,
	}
	for i, d := range h.cfg.ExpiryPresets {
		resp.ExpiryPresetsSeconds[i] = int64(d / time.Second)
	}
	json.NewEncoder(w).Encode(resp)
}
func (h *Hdl) multipartLimit() int64 {
	return h.cfg.Limits.MaxPasteSize*2 + int64(h.cfg.Limits.MaxFiles)*h.cfg.Limits.MaxFileSize + 1<<20
}

// parseMultipart reads the paste fields from form values and attachments
// from the "files" parts. Blocks arrive as a JSON array in the "blocks" field.
func (h *Hdl) parseMultipart(r *http.Request) (CreateReq, []domain.Upload, error) {
	var req CreateReq
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return req, nil, requestErr(err)
	}
	defer r.MultipartForm.RemoveAll()
	req.Title = r.FormValue("title")
	req.Alias = r.FormValue("alias")
	req.Content = r.FormValue("content")
	req.Password = r.FormValue("password")
	req.IsPrivate = formBool(r.FormValue("is_private"))
	req.IsEditable = formBool(r.FormValue("is_editable"))
	if v := r.FormValue("expires_in_seconds"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, nil, domain.ErrInvalidExpiry
		}
		req.ExpiresInSeconds = n
	}
	if v := r.FormValue("blocks"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Blocks); err != nil {
			return req, nil, domain.ErrInvalidRequest
		}
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) > h.cfg.Limits.MaxFiles {
		return req, nil, domain.ErrTooManyFiles
	}
	uploads := make([]domain.Upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > h.cfg.Limits.MaxFileSize {
			return req, nil, domain.ErrFileTooLarge
		}
		f, err := fh.Open()
		if err != nil {
			return req, nil, errors.Wrap(domain.ErrInvalidRequest, err.Error())
		}
		data, err := io.ReadAll(io.LimitReader(f, h.cfg.Limits.MaxFileSize+1))
		f.Close()
		if err != nil {
			return req, nil, requestErr(err)
		}
		if int64(len(data)) > h.cfg.Limits.MaxFileSize {
			return req, nil, domain.ErrFileTooLarge
		}
		uploads = append(uploads, domain.Upload{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return req, uploads, nil
}
func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return requestErr(err)
	}
	return nil
}

// requestErr maps body read and decode failures onto coded errors.
func requestErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.ErrPasteTooLarge
	}
	return errors.Wrap(domain.ErrInvalidRequest, err.Error())
}

// bodyOf picks the representation: a non-empty blocks array selects block
// style, anything else is flat text.
func bodyOf(content string, blocks []BlockReq) (*domain.Content, error) {
	if len(blocks) == 0 {
		c := domain.FlatContent(content)
		return &c, nil
	}
	if content != "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "content and blocks are mutually exclusive")
	}
	out := make([]domain.Block, len(blocks))
	for i, b := range blocks {
		out[i] = domain.Block{ID: b.ID, Content: b.Content, Language: b.Language, Order: i}
	}
	c := domain.BlockContent(out)
	return &c, nil
}
func password(r *http.Request) string {
	if p := r.Header.Get("X-Paste-Password"); p != "" {
		return p
	}
	return r.URL.Query().Get("password")
}
func formBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// writeErr renders err as {error:{code,message,meta}, request_id}. Only the
// coded message reaches the client; the full chain is logged for 5xx.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.Status(err)
	log := util.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	if domain.IsRetryable(err) && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errBody{
		ErrResp:   domain.ToResp(err),
		RequestID: util.GetRequestID(r.Context()),
	})
}
