package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/chatcore/internal/fileserver"
	"github.com/chatcore/internal/logger"
	"github.com/go-chi/chi/v5"
)

// FileHandler — HTTP-адаптер хранилища вложений. В сообщение попадает только reference.
type FileHandler struct {
	files *fileserver.Service
}

func NewFileHandler(files *fileserver.Service) *FileHandler {
	return &FileHandler{files: files}
}

// Upload принимает multipart/form-data с полем "file".
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.files.MaxUploadSize)
	if err := r.ParseMultipartForm(h.files.MaxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	stored, err := h.files.Save(r.Context(), header.Filename, file)
	if errors.Is(err, fileserver.ErrBlockedType) {
		writeError(w, http.StatusUnsupportedMediaType, "file type not allowed")
		return
	}
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		logger.Errorf("file upload %q: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// Serve отдаёт файл по reference; ?name= задаёт имя для скачивания.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	rc, ctype, err := h.files.Open(chi.URLParam(r, "reference"))
	if errors.Is(err, fileserver.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logger.Errorf("file serve: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", ctype)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if disp := fileserver.ContentDisposition(r.URL.Query().Get("name")); disp != "" {
		w.Header().Set("Content-Disposition", disp)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Debugf("file serve copy: %v", err)
	}
}
