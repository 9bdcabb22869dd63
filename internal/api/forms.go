package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"platilloadmin/internal/httpx"
	"platilloadmin/internal/platillo"
	"platilloadmin/internal/storage"
)

const (
	eventUpload    = "upload"
	eventSubmitted = "submitted"

	fieldBodyLimit = 64 << 10
)

func (s *Server) newFormSession(id string, hub *uploadHub) *formSession {
	log := s.log.With(zap.String("form_id", id))
	up := platillo.NewUploadCoordinator(s.store, s.cfg.UploadContainer, s.cfg.URLResolveTimeout, log.Named("upload"))
	fs := &formSession{
		id:        id,
		upload:    up,
		hub:       hub,
		lastPhase: platillo.PhaseIdle,
	}
	fs.form = platillo.NewForm(s.schema, up, s.submitter, s.policy, log.Named("form"))
	up.Subscribe(func(st platillo.UploadState) {
		s.observeUpload(fs, st)
		hub.Publish(eventUpload, st)
	})
	return fs
}

func (s *Server) observeUpload(fs *formSession, st platillo.UploadState) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if st.Phase == fs.lastPhase && st.Phase != platillo.PhaseUploading {
		return
	}
	if st.Phase != fs.lastPhase {
		s.metrics.UploadPhase(string(st.Phase))
	}
	switch st.Phase {
	case platillo.PhaseAwaitingURL:
		fs.resolvingSince = time.Now()
	case platillo.PhaseReady, platillo.PhaseFailed:
		if !fs.resolvingSince.IsZero() {
			result := "ok"
			if st.Phase == platillo.PhaseFailed {
				result = "error"
			}
			s.metrics.URLResolved(result, time.Since(fs.resolvingSince))
			fs.resolvingSince = time.Time{}
		}
	default:
		fs.resolvingSince = time.Time{}
	}
	fs.lastPhase = st.Phase
}

func (s *Server) formFromRequest(w http.ResponseWriter, r *http.Request) (*formSession, bool) {
	fs, err := s.forms.get(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, "Formulario no encontrado")
		return nil, false
	}
	return fs, true
}

func writeFormState(w http.ResponseWriter, status int, fs *formSession) {
	httpx.WriteJSON(w, status, map[string]any{
		"success": true,
		"id":      fs.id,
		"state":   fs.form.Snapshot(),
	})
}

func (s *Server) handleFormOpen(w http.ResponseWriter, r *http.Request) {
	fs := s.forms.open()
	writeFormState(w, http.StatusCreated, fs)
}

func (s *Server) handleFormGet(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.formFromRequest(w, r)
	if !ok {
		return
	}
	writeFormState(w, http.StatusOK, fs)
}

func (s *Server) handleFormClose(w http.ResponseWriter, r *http.Request) {
	if err := s.forms.close(chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, http.StatusNotFound, "Formulario no encontrado")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) fieldFromRequest(w http.ResponseWriter, r *http.Request) (platillo.Field, bool) {
	field, ok := platillo.ParseField(chi.URLParam(r, "field"))
	if !ok {
		s.log.Debug("[forms] unknown field", zap.String("field", chi.URLParam(r, "field")), zap.Error(platillo.ErrUnknownField))
		httpx.WriteError(w, http.StatusBadRequest, "Campo desconocido")
		return "", false
	}
	return field, true
}

func (s *Server) handleFormSetField(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.formFromRequest(w, r)
	if !ok {
		return
	}
	field, ok := s.fieldFromRequest(w, r)
	if !ok {
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := httpx.DecodeJSON(w, r, fieldBodyLimit, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	fs.form.SetFieldValue(field, body.Value)
	writeFormState(w, http.StatusOK, fs)
}

func (s *Server) handleFormBlurField(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.formFromRequest(w, r)
	if !ok {
		return
	}
	field, ok := s.fieldFromRequest(w, r)
	if !ok {
		return
	}

	fs.form.MarkTouched(field)
	writeFormState(w, http.StatusOK, fs)
}

func (s *Server) handleFormEvents(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.formFromRequest(w, r)
	if !ok {
		return
	}
	fs.hub.serve(w, r, fs.form.Snapshot())
}

// handleFormImageUpload plays the role of the upload widget: it fires the
// start, progress, error and success callbacks of the coordinator while the
// file streams to object storage. The response returns once the transfer is
// done; the download URL resolves afterwards and is pushed over the websocket.
func (s *Server) handleFormImageUpload(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.formFromRequest(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "Almacenamiento de imagenes no configurado")
		return
	}

	maxBytes := s.cfg.ImageMaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("imagen")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Falta la imagen")
		return
	}
	defer file.Close()

	if header.Size <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "La imagen esta vacia")
		return
	}
	if header.Size > maxBytes {
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, "La imagen es demasiado grande")
		return
	}

	sniff := make([]byte, 512)
	n, err := io.ReadFull(file, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		httpx.WriteError(w, http.StatusBadRequest, "No se pudo leer la imagen")
		return
	}
	contentType := http.DetectContentType(sniff[:n])
	if !strings.HasPrefix(contentType, "image/") {
		httpx.WriteError(w, http.StatusUnsupportedMediaType, "El archivo debe ser una imagen")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "No se pudo leer la imagen")
		return
	}

	if err := fs.upload.BeginUpload(); err != nil {
		httpx.WriteError(w, http.StatusConflict, "Ya hay una imagen subiendose")
		return
	}

	name := uuid.NewString() + storage.FileExtForContentType(contentType)
	lastPercent := -1
	progress := func(written, total int64) {
		if total <= 0 {
			return
		}
		pct := int(written * 100 / total)
		if pct != lastPercent {
			lastPercent = pct
			fs.upload.OnProgress(pct)
		}
	}

	fileID, err := s.store.Upload(r.Context(), s.cfg.UploadContainer, name, contentType, file, header.Size, progress)
	if s.forms.touch(fs.id) != nil {
		s.log.Info("[forms] closed during upload", zap.String("form_id", fs.id), zap.String("file_id", fileID))
		httpx.WriteError(w, http.StatusGone, "El formulario se cerro durante la subida")
		return
	}
	if err != nil {
		fs.upload.OnUploadError(err)
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "No se pudo subir la imagen",
			"upload":  fs.upload.Snapshot(),
		})
		return
	}
	s.metrics.UploadBytes(header.Size)
	fs.upload.OnUploadSuccess(fileID)

	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"fileId":  fileID,
		"upload":  fs.upload.Snapshot(),
	})
}

func (s *Server) handleFormSubmit(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.formFromRequest(w, r)
	if !ok {
		return
	}

	var redirect string
	nav := platillo.NavigatorFunc(func(path string) { redirect = path })

	item, err := fs.form.Submit(r.Context(), nav)
	if err == nil {
		s.metrics.Submission("ok")
		fs.hub.Publish(eventSubmitted, map[string]any{"platillo": item, "redirect": redirect})
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"platillo": item,
			"redirect": redirect,
		})
		// Navigating away unmounts the form.
		_ = s.forms.close(fs.id)
		return
	}

	var verr *platillo.ValidationError
	switch {
	case errors.As(err, &verr):
		s.metrics.Submission("invalid")
		httpx.WriteValidation(w, "Revisa los campos del formulario", verr.Fields, map[string]any{
			"state": fs.form.Snapshot(),
		})
	case errors.Is(err, platillo.ErrUploadPending):
		s.metrics.Submission("blocked")
		httpx.WriteError(w, http.StatusConflict, "Espera a que termine de subirse la imagen")
	case errors.Is(err, platillo.ErrImageRequired):
		s.metrics.Submission("blocked")
		httpx.WriteError(w, http.StatusUnprocessableEntity, "La imagen es obligatoria")
	case errors.Is(err, platillo.ErrSubmitInProgress), errors.Is(err, platillo.ErrAlreadySubmitted):
		s.metrics.Submission("blocked")
		httpx.WriteError(w, http.StatusConflict, "El platillo ya se esta guardando")
	case errors.Is(err, platillo.ErrPersist):
		s.metrics.Submission("error")
		httpx.WriteError(w, http.StatusInternalServerError, platillo.PersistFailedNotice)
	default:
		s.metrics.Submission("error")
		s.log.Error("[forms] submit failed", zap.String("form_id", fs.id), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "Error interno")
	}
}
