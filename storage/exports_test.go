package storage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

const testToken = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testExports(t *testing.T) *ExportStore {
	t.Helper()
	return NewExportStore(nil, "", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExportKey(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{
			name:  "valid token",
			token: testToken,
			want:  "export-" + testToken + ".txt",
		},
		{
			name:  "too short",
			token: "abc123",
			want:  "",
		},
		{
			name:  "too long",
			token: testToken + "ff",
			want:  "",
		},
		{
			name:  "path traversal attempt",
			token: "../../../etc/passwd0123456789abcdef0123456789abcdef0123456789abc",
			want:  "",
		},
		{
			name:  "uppercase hex rejected",
			token: strings.ToUpper(testToken),
			want:  "",
		},
		{
			name:  "empty",
			token: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExportKey(tt.token); got != tt.want {
				t.Errorf("ExportKey(%q) = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}

func TestExportRoundTrip(t *testing.T) {
	store := testExports(t)
	ctx := context.Background()

	key, err := store.Put(ctx, testToken, []byte("Book A\nQuote one\n"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if key != ExportKey(testToken) {
		t.Errorf("Put() key = %q, want %q", key, ExportKey(testToken))
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "Book A\nQuote one\n" {
		t.Errorf("Get() = %q", data)
	}
}

func TestExportReplace(t *testing.T) {
	store := testExports(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, testToken, []byte("first upload")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	key, err := store.Put(ctx, testToken, []byte("second upload"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "second upload" {
		t.Errorf("Get() after replace = %q, want the newer upload", data)
	}
}

func TestExportGetMissing(t *testing.T) {
	store := testExports(t)

	_, err := store.Get(context.Background(), ExportKey(testToken))
	if err == nil {
		t.Fatal("Get() error = nil for missing export")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestExportDelete(t *testing.T) {
	store := testExports(t)
	ctx := context.Background()

	key, err := store.Put(ctx, testToken, []byte("data"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, key); !IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}

	// Idempotent.
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestExportPutInvalidToken(t *testing.T) {
	store := testExports(t)

	if _, err := store.Put(context.Background(), "../sneaky", []byte("data")); err == nil {
		t.Fatal("Put() accepted an invalid token")
	}
}

func TestIsNotFound(t *testing.T) {
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) = true")
	}
	if IsNotFound(context.Canceled) {
		t.Error("IsNotFound(context.Canceled) = true")
	}
}
