package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"align/internal/upload"
)

const maxResumeUploadBytes int64 = 10 << 20

// ResumeFlow is the upload flow driven by the dashboard.
type ResumeFlow interface {
	Snapshot() upload.Snapshot
	SelectFile(file upload.File) upload.Snapshot
	Submit(ctx context.Context) upload.Snapshot
	Clear() upload.Snapshot
}

// ResumeHandler exposes the resume upload flow.
type ResumeHandler struct {
	flow   ResumeFlow
	logger *slog.Logger
}

// NewResumeHandler returns a handler backed by flow.
func NewResumeHandler(flow ResumeFlow, logger *slog.Logger) *ResumeHandler {
	return &ResumeHandler{flow: flow, logger: logger}
}

// Get returns the pending upload.
func (h *ResumeHandler) Get(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.flow.Snapshot())
}

// Select stores the uploaded file as the pending resume.
func (h *ResumeHandler) Select(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxResumeUploadBytes)
	if err := r.ParseMultipartForm(maxResumeUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("resume is too large (max %d bytes)", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid resume upload")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "resume file is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("read resume upload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid resume upload")
		return
	}

	snap := h.flow.SelectFile(upload.FileFromBytes(header.Filename, header.Header.Get("Content-Type"), data))
	writeJSON(w, http.StatusOK, snap)
}

// Parse submits the pending resume and returns the outcome.
func (h *ResumeHandler) Parse(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.flow.Submit(r.Context()))
}

// Clear discards the pending resume.
func (h *ResumeHandler) Clear(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.flow.Clear())
}
