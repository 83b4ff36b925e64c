package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

const testToken = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var errMissing = errors.New("not found")

type memStore struct {
	mu   sync.Mutex
	subs map[string]*clip.Subscriber
	hist map[string][]clip.Delivery
}

func newMemStore() *memStore {
	return &memStore{
		subs: make(map[string]*clip.Subscriber),
		hist: make(map[string][]clip.Delivery),
	}
}

func (m *memStore) Create(_ context.Context, email string) (*clip.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &clip.Subscriber{
		ID:       "id-" + email,
		Email:    email,
		Token:    testToken,
		Schedule: clip.DefaultSchedule(),
	}
	m.subs[sub.ID] = sub
	return sub, nil
}

func (m *memStore) ByEmail(_ context.Context, email string) (*clip.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.Email == email {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errMissing
}

func (m *memStore) ByToken(_ context.Context, token string) (*clip.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.Token == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errMissing
}

func (m *memStore) UpdateSchedule(_ context.Context, id string, sched clip.Schedule) error {
	if sched.DigestSize < 1 || sched.SendTime == "" {
		return errors.New("invalid schedule")
	}
	if _, err := time.Parse("15:04", sched.SendTime); err != nil {
		return errors.New("invalid send time")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return errMissing
	}
	sched.LastSentAt = sub.Schedule.LastSentAt
	sub.Schedule = sched
	return nil
}

func (m *memStore) SetExportKey(_ context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return errMissing
	}
	sub.ExportKey = key
	return nil
}

func (m *memStore) History(_ context.Context, id string, _ int) ([]clip.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist[id], nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return errMissing
	}
	delete(m.subs, id)
	return nil
}

type memExports struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memExports) Put(_ context.Context, token string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	key := "export-" + token + ".txt"
	m.data[key] = data
	return key, nil
}

func (m *memExports) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memEmailer struct {
	mu       sync.Mutex
	welcomes int
}

func (m *memEmailer) SendWelcome(_ context.Context, _ *clip.Subscriber, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.welcomes++
	return nil
}

type memDigester struct {
	count   int
	sendErr error
	ticks   int
}

func (m *memDigester) SendNow(_ context.Context, _ *clip.Subscriber) (int, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	return m.count, nil
}

func (m *memDigester) RunTick(_ context.Context, _ time.Time) error {
	m.ticks++
	return nil
}

type testEnv struct {
	srv      *Server
	store    *memStore
	exports  *memExports
	emailer  *memEmailer
	digester *memDigester
}

func newTestEnv() *testEnv {
	store := newMemStore()
	exports := &memExports{}
	emailer := &memEmailer{}
	digester := &memDigester{count: 3}
	srv := New(&Config{
		Store:      store,
		Exports:    exports,
		Emailer:    emailer,
		Digester:   digester,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		IsNotFound: func(err error) bool { return errors.Is(err, errMissing) },
		Location:   time.UTC,
	})
	return &testEnv{srv: srv, store: store, exports: exports, emailer: emailer, digester: digester}
}

func multipartUpload(t *testing.T, email, filename, contents string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("email", email); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("clippings", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(contents)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

const uploadBody = "Book A\nmetadata\nQuote one\n==========\nBook B\nQuote two\n"

func TestHandleUpload(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.srv.handleUpload(w, multipartUpload(t, "reader@example.com", "My Clippings.txt", uploadBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "2") {
		t.Errorf("response does not mention the highlight count: %s", w.Body.String())
	}

	sub, err := env.store.ByEmail(context.Background(), "reader@example.com")
	if err != nil {
		t.Fatalf("subscriber not created: %v", err)
	}
	if sub.ExportKey == "" {
		t.Error("export key not recorded")
	}
	if len(env.exports.data) != 1 {
		t.Errorf("stored %d exports, want 1", len(env.exports.data))
	}
	if env.emailer.welcomes != 1 {
		t.Errorf("sent %d welcome emails, want 1", env.emailer.welcomes)
	}
}

func TestHandleUploadUpsert(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.srv.handleUpload(w, multipartUpload(t, "reader@example.com", "My Clippings.txt", uploadBody))
	if w.Code != http.StatusOK {
		t.Fatalf("first upload status = %d", w.Code)
	}

	// Change the schedule, re-upload, and confirm the schedule survives.
	sub, _ := env.store.ByEmail(context.Background(), "reader@example.com")
	sched := sub.Schedule
	sched.Frequency = clip.Weekly
	if err := env.store.UpdateSchedule(context.Background(), sub.ID, sched); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	env.srv.handleUpload(w, multipartUpload(t, "reader@example.com", "My Clippings.txt", "Book C\nQuote three\n"))
	if w.Code != http.StatusOK {
		t.Fatalf("second upload status = %d", w.Code)
	}

	if len(env.store.subs) != 1 {
		t.Fatalf("have %d subscribers after re-upload, want 1", len(env.store.subs))
	}
	sub, _ = env.store.ByEmail(context.Background(), "reader@example.com")
	if sub.Schedule.Frequency != clip.Weekly {
		t.Error("re-upload reset the schedule")
	}
}

func TestHandleUploadRejections(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		filename string
		contents string
		want     int
	}{
		{"bad email", "not-an-email", "My Clippings.txt", uploadBody, http.StatusBadRequest},
		{"wrong extension", "reader@example.com", "clippings.pdf", uploadBody, http.StatusBadRequest},
		{"invalid utf8", "reader@example.com", "My Clippings.txt", "Book\xff\xfe\nQuote\n", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			w := httptest.NewRecorder()
			env.srv.handleUpload(w, multipartUpload(t, tt.email, tt.filename, tt.contents))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if len(env.store.subs) != 0 {
				t.Error("rejected upload still created a subscriber")
			}
		})
	}
}

func TestHandleManageShow(t *testing.T) {
	env := newTestEnv()
	sub, _ := env.store.Create(context.Background(), "reader@example.com")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/manage?token="+sub.Token, nil)
	env.srv.handleManage(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "reader@example.com") {
		t.Error("manage page missing subscriber email")
	}
	if !strings.Contains(body, `value="09:00"`) {
		t.Error("manage page missing current send time")
	}
}

func TestHandleManageUnknownToken(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.srv.handleManage(w, httptest.NewRequest(http.MethodGet, "/manage?token=bogus", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleManageUpdate(t *testing.T) {
	env := newTestEnv()
	sub, _ := env.store.Create(context.Background(), "reader@example.com")

	form := url.Values{
		"token":       {sub.Token},
		"frequency":   {"weekly"},
		"send_time":   {"21:30"},
		"digest_size": {"3"},
		"paused":      {"on"},
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/manage", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.srv.handleManage(w, r)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	got, _ := env.store.ByToken(context.Background(), sub.Token)
	if got.Schedule.Frequency != clip.Weekly || got.Schedule.SendTime != "21:30" ||
		!got.Schedule.Paused || got.Schedule.DigestSize != 3 {
		t.Errorf("schedule after update = %+v", got.Schedule)
	}
}

func TestHandleManageUpdateInvalid(t *testing.T) {
	env := newTestEnv()
	sub, _ := env.store.Create(context.Background(), "reader@example.com")

	tests := []struct {
		name string
		form url.Values
	}{
		{"bad frequency", url.Values{"token": {sub.Token}, "frequency": {"hourly"}, "send_time": {"09:00"}, "digest_size": {"5"}}},
		{"bad time", url.Values{"token": {sub.Token}, "frequency": {"daily"}, "send_time": {"9am"}, "digest_size": {"5"}}},
		{"bad size", url.Values{"token": {sub.Token}, "frequency": {"daily"}, "send_time": {"09:00"}, "digest_size": {"lots"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/manage", strings.NewReader(tt.form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			env.srv.handleManage(w, r)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandleManageDelete(t *testing.T) {
	env := newTestEnv()
	sub, _ := env.store.Create(context.Background(), "reader@example.com")
	key, _ := env.exports.Put(context.Background(), sub.Token, []byte(uploadBody))
	_ = env.store.SetExportKey(context.Background(), sub.ID, key)

	form := url.Values{"token": {sub.Token}, "action": {"delete"}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/manage", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.srv.handleManage(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.store.subs) != 0 {
		t.Error("subscriber row survived deletion")
	}
	if len(env.exports.data) != 0 {
		t.Error("export blob survived deletion")
	}
}

func TestHandleSendNow(t *testing.T) {
	env := newTestEnv()
	sub, _ := env.store.Create(context.Background(), "reader@example.com")

	form := url.Values{"token": {sub.Token}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/sendnow", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.srv.handleSendNow(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "3") {
		t.Errorf("response does not report the digest size: %s", w.Body.String())
	}
}

func TestHandleSendNowFailure(t *testing.T) {
	env := newTestEnv()
	env.digester.sendErr = errors.New("smtp down")
	sub, _ := env.store.Create(context.Background(), "reader@example.com")

	form := url.Values{"token": {sub.Token}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/sendnow", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	env.srv.handleSendNow(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestHandleTick(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.srv.handleTick(w, httptest.NewRequest(http.MethodPost, "/tickz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if env.digester.ticks != 1 {
		t.Errorf("ran %d ticks, want 1", env.digester.ticks)
	}

	w = httptest.NewRecorder()
	env.srv.handleTick(w, httptest.NewRequest(http.MethodGet, "/tickz", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.srv.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandleRoot(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.srv.handleRoot(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/upload") {
		t.Error("index page missing upload form")
	}

	w = httptest.NewRecorder()
	env.srv.handleRoot(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", w.Code)
	}
}
