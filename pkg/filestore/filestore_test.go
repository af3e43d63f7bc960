package filestore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/igolaizola/acecover/pkg/filestore/local"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "archive")
	store, err := New("local", root, false)
	if err != nil {
		t.Fatalf("New() err = %v; want nil", err)
	}

	src := filepath.Join(t.TempDir(), "out.wav")
	want := []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
	if err := os.WriteFile(src, want, 0644); err != nil {
		t.Fatal(err)
	}
	if err := store.SetWAV(ctx, src, "01HX"); err != nil {
		t.Fatalf("SetWAV() err = %v; want nil", err)
	}
	if _, err := os.Stat(filepath.Join(root, "01HX.wav")); err != nil {
		t.Fatalf("Stat() err = %v; want archived file", err)
	}

	dst := filepath.Join(t.TempDir(), "copy.wav")
	if err := store.GetWAV(ctx, dst, "01HX"); err != nil {
		t.Fatalf("GetWAV() err = %v; want nil", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("GetWAV() content = %q; want %q", got, want)
	}

	err = store.GetWAV(ctx, dst, "missing")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, local.ErrNotFound) {
		t.Fatalf("GetWAV() err = %v; want %v", err, ErrNotFound)
	}
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		typ  string
		conn string
	}{
		{"ftp", "somewhere"},
		{"local", ""},
		{"s3", "bucket.region"},
		{"s3", "key@bucket.region"},
		{"s3", "key:secret@bucket"},
	}
	for _, tt := range tests {
		if _, err := New(tt.typ, tt.conn, false); err == nil {
			t.Fatalf("New(%q, %q) err = nil; want error", tt.typ, tt.conn)
		}
	}
}
