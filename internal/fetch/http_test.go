package fetch

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestUniqueFilePath(t *testing.T) {
	dir := t.TempDir()

	mk := func(name string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("no collision passes through", func(t *testing.T) {
		want := filepath.Join(dir, "fresh.bin")
		if got := uniqueFilePath(want); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("collision appends counter", func(t *testing.T) {
		path := mk("taken.bin")
		want := filepath.Join(dir, "taken(1).bin")
		if got := uniqueFilePath(path); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("existing counter continues", func(t *testing.T) {
		mk("multi.bin")
		path := mk("multi(1).bin")
		want := filepath.Join(dir, "multi(2).bin")
		if got := uniqueFilePath(path); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}

func TestExtractFilenamePrefersDisposition(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "named.mkv"))

	if got := extractFilename("https://example.com/path/other.bin", resp); got != "named.mkv" {
		t.Errorf("got %q, want named.mkv", got)
	}

	resp.Header.Del("Content-Disposition")
	if got := extractFilename("https://example.com/path/other.bin", resp); got != "other.bin" {
		t.Errorf("got %q, want other.bin", got)
	}

	if got := extractFilename("https://example.com/", resp); got != "download.bin" {
		t.Errorf("got %q, want download.bin", got)
	}
}
