package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatorRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	logfile := filepath.Join(dir, "syncache.log")

	lr, err := NewLogRotator(&RotationConfig{Filename: logfile, MaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lr.Close() }()

	line := strings.Repeat("x", 64*1024)
	for i := 0; i < 20; i++ { // ~1.25MB in total
		if _, err := lr.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("expected current file plus at least one backup, got %d files", len(entries))
	}

	info, err := os.Stat(logfile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= 1024*1024 {
		t.Errorf("current file not reset after rotation: %d bytes", info.Size())
	}
}

func TestRotatorCleansOldBackups(t *testing.T) {
	dir := t.TempDir()
	logfile := filepath.Join(dir, "syncache.log")

	lr, err := NewLogRotator(&RotationConfig{Filename: logfile, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lr.Close() }()

	for i := 0; i < 5; i++ {
		if _, err := lr.Write([]byte("entry\n")); err != nil {
			t.Fatal(err)
		}
		if err := lr.Rotate(); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	backups := 0
	for _, e := range entries {
		if e.Name() != "syncache.log" {
			backups++
		}
	}
	if backups > 2 {
		t.Errorf("backups = %d, want at most 2", backups)
	}
}

func TestRotatorRequiresFilename(t *testing.T) {
	if _, err := NewLogRotator(nil); err == nil {
		t.Error("nil config should be rejected")
	}
	if _, err := NewLogRotator(&RotationConfig{}); err == nil {
		t.Error("empty filename should be rejected")
	}
}
