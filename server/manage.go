package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// historyLimit caps the delivery history shown on the manage page.
const historyLimit = 10

type historyRow struct {
	SentAt string
}

func (s *Server) handleManage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.showManage(w, r)
	case http.MethodPost:
		s.updateManage(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// subscriberForToken resolves the token from the request, rendering the
// not-found page itself when the token is missing or unknown.
func (s *Server) subscriberForToken(w http.ResponseWriter, r *http.Request, token string) *clip.Subscriber {
	if token == "" {
		s.renderNotFound(w)
		return nil
	}

	sub, err := s.store.ByToken(r.Context(), token)
	if err != nil {
		if s.isNotFound(err) {
			s.renderNotFound(w)
			return nil
		}
		s.logger.Error("Failed to look up subscriber", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil
	}
	return sub
}

func (s *Server) renderNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if err := templates.ExecuteTemplate(w, "not_found.tmpl", nil); err != nil {
		s.logger.Error("Failed to render template", "template", "not_found.tmpl", "error", err)
	}
}

func (s *Server) showManage(w http.ResponseWriter, r *http.Request) {
	sub := s.subscriberForToken(w, r, r.URL.Query().Get("token"))
	if sub == nil {
		return
	}

	history, err := s.store.History(r.Context(), sub.ID, historyLimit)
	if err != nil {
		s.logger.Error("Failed to load delivery history", "subscriber", sub.ID, "error", err)
		// Page still works without history.
		history = nil
	}

	rows := make([]historyRow, 0, len(history))
	for _, d := range history {
		rows = append(rows, historyRow{SentAt: d.SentAt.In(s.loc).Format("Mon, 02 Jan 2006 15:04")})
	}

	var lastSent string
	if sub.Schedule.LastSentAt != nil {
		lastSent = sub.Schedule.LastSentAt.In(s.loc).Format("Mon, 02 Jan 2006 15:04")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := map[string]any{
		"Email":      sub.Email,
		"Token":      sub.Token,
		"Frequency":  string(sub.Schedule.Frequency),
		"SendTime":   sub.Schedule.SendTime,
		"Paused":     sub.Schedule.Paused,
		"DigestSize": sub.Schedule.DigestSize,
		"LastSent":   lastSent,
		"HasExport":  sub.ExportKey != "",
		"History":    rows,
		"Timezone":   s.loc.String(),
	}
	if err := templates.ExecuteTemplate(w, "manage.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "manage.tmpl", "error", err)
	}
}

func (s *Server) updateManage(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)
	if !s.rateLimiter.allow(clientIP) {
		s.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form", http.StatusBadRequest)
		return
	}

	sub := s.subscriberForToken(w, r, r.FormValue("token"))
	if sub == nil {
		return
	}

	if r.FormValue("action") == "delete" {
		s.deleteSubscriber(w, r, sub)
		return
	}

	freq, ok := clip.ParseFrequency(r.FormValue("frequency"))
	if !ok {
		http.Error(w, "Invalid frequency", http.StatusBadRequest)
		return
	}

	size, err := strconv.Atoi(strings.TrimSpace(r.FormValue("digest_size")))
	if err != nil {
		http.Error(w, "Invalid digest size", http.StatusBadRequest)
		return
	}

	sched := clip.Schedule{
		Frequency:  freq,
		SendTime:   strings.TrimSpace(r.FormValue("send_time")),
		Paused:     r.FormValue("paused") == "on",
		DigestSize: size,
	}

	if err := s.store.UpdateSchedule(r.Context(), sub.ID, sched); err != nil {
		s.logger.Warn("Schedule update rejected", "subscriber", sub.ID, "error", err)
		http.Error(w, fmt.Sprintf("Invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	s.logger.Info("Schedule updated",
		"subscriber", sub.ID,
		"frequency", sched.Frequency,
		"send_time", sched.SendTime,
		"paused", sched.Paused,
		"digest_size", sched.DigestSize)

	http.Redirect(w, r, "/manage?token="+sub.Token, http.StatusSeeOther)
}

func (s *Server) deleteSubscriber(w http.ResponseWriter, r *http.Request, sub *clip.Subscriber) {
	ctx := r.Context()

	if sub.ExportKey != "" {
		if err := s.exports.Delete(ctx, sub.ExportKey); err != nil {
			// The subscriber row is the source of truth; an orphaned
			// export blob is harmless.
			s.logger.Warn("Failed to delete export", "subscriber", sub.ID, "error", err)
		}
	}

	if err := s.store.Delete(ctx, sub.ID); err != nil {
		s.logger.Error("Failed to delete subscriber", "subscriber", sub.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Subscriber deleted", "subscriber", sub.ID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "deleted.tmpl", map[string]string{"Email": sub.Email}); err != nil {
		s.logger.Error("Failed to render template", "template", "deleted.tmpl", "error", err)
	}
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
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

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form", http.StatusBadRequest)
		return
	}

	sub := s.subscriberForToken(w, r, r.FormValue("token"))
	if sub == nil {
		return
	}

	start := time.Now()
	count, err := s.digester.SendNow(r.Context(), sub)
	if err != nil {
		s.logger.Error("Immediate digest failed",
			"subscriber", sub.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		http.Error(w, "Digest delivery failed. Please try again later.", http.StatusBadGateway)
		return
	}

	s.logger.Info("Immediate digest sent",
		"subscriber", sub.ID,
		"highlights", count,
		"duration_ms", time.Since(start).Milliseconds())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := map[string]any{
		"Email":      sub.Email,
		"Highlights": count,
		"Token":      sub.Token,
	}
	if err := templates.ExecuteTemplate(w, "sent.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "sent.tmpl", "error", err)
	}
}
