package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sthita19/kindle-clippings-app/clippings"
)

// maxUploadBytes bounds clippings uploads. Kindle exports are plain text and
// rarely exceed a couple of megabytes.
const maxUploadBytes = 10 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := getClientIP(r)
	if !s.rateLimiter.allow(clientIP) {
		s.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.logger.Warn("Failed to parse upload form", "ip", clientIP, "error", err)
		http.Error(w, "Upload too large or malformed", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(r.FormValue("email")))
	if !isValidEmail(email) {
		s.logger.Warn("Invalid email in upload", "ip", clientIP)
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("clippings")
	if err != nil {
		http.Error(w, "Missing clippings file", http.StatusBadRequest)
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			s.logger.Warn("Failed to close upload", "error", closeErr)
		}
	}()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".txt") {
		http.Error(w, "Only .txt files are accepted", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("Failed to read upload", "ip", clientIP, "error", err)
		http.Error(w, "Failed to read upload", http.StatusInternalServerError)
		return
	}

	// Parse before persisting: a file we cannot decode is useless to store.
	highlights, err := clippings.Parse(data)
	if err != nil {
		if errors.Is(err, clippings.ErrDecode) {
			http.Error(w, "File is not valid UTF-8 text", http.StatusBadRequest)
			return
		}
		s.logger.Error("Failed to parse clippings", "error", err)
		http.Error(w, "Failed to parse clippings file", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	// Upsert: re-uploading replaces the export but keeps the existing
	// schedule and send history.
	sub, err := s.store.ByEmail(ctx, email)
	switch {
	case err == nil:
	case s.isNotFound(err):
		sub, err = s.store.Create(ctx, email)
		if err != nil {
			s.logger.Error("Failed to create subscriber", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	default:
		s.logger.Error("Failed to look up subscriber", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	key, err := s.exports.Put(ctx, sub.Token, data)
	if err != nil {
		s.logger.Error("Failed to store export", "subscriber", sub.ID, "error", err)
		http.Error(w, "Failed to store clippings", http.StatusInternalServerError)
		return
	}

	if err := s.store.SetExportKey(ctx, sub.ID, key); err != nil {
		s.logger.Error("Failed to record export key", "subscriber", sub.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Clippings uploaded",
		"subscriber", sub.ID,
		"highlights", len(highlights),
		"bytes", len(data))

	// Best-effort: a failed confirmation email must not fail the upload.
	if err := s.emailer.SendWelcome(ctx, sub, len(highlights)); err != nil {
		s.logger.Warn("Failed to send confirmation email", "subscriber", sub.ID, "error", err)
	}

	setEmailCookie(w, email)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	page := map[string]any{
		"Email":      sub.Email,
		"Highlights": len(highlights),
		"Token":      sub.Token,
	}
	if err := templates.ExecuteTemplate(w, "uploaded.tmpl", page); err != nil {
		s.logger.Error("Failed to render template", "template", "uploaded.tmpl", "error", err)
	}
}
