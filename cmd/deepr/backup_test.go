package main

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/deepr/internal/config"
)

func TestSplitVolumePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantVol string
		wantRel string
	}{
		{"simple file", "store/deepr.db", "store", "deepr.db"},
		{"nested path", "nats/jetstream/RESEARCH/msgs/1.blk", "nats", "jetstream/RESEARCH/msgs/1.blk"},
		{"directory with slash", "nats/jetstream/", "nats", "jetstream/"},
		{"volume root dir", "store/", "store", "./"},
		{"volume bare name", "nats", "nats", "./"},
		{"leading dot-slash", "./store/deepr.db", "store", "deepr.db"},
		{"leading slash", "/store/deepr.db", "store", "deepr.db"},
		{"unknown volume", "other/file.txt", "", ""},
		{"empty string", "", "", ""},
		{"just a slash", "/", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotVol, gotRel := splitVolumePath(tt.input)
			if gotVol != tt.wantVol {
				t.Errorf("splitVolumePath(%q) volName = %q, want %q", tt.input, gotVol, tt.wantVol)
			}
			if gotRel != tt.wantRel {
				t.Errorf("splitVolumePath(%q) relPath = %q, want %q", tt.input, gotRel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}

	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()
	return path
}

func TestScanArchiveVolumes(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{
		"store/deepr.db":          "data",
		"nats/jetstream/meta.inf": "meta",
		"other/file.txt":          "ignored",
		"random-file.txt":         "ignored",
	})

	volumes, err := scanArchiveVolumes(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(volumes) != 2 {
		t.Fatalf("expected 2 volumes, got %d: %v", len(volumes), volumes)
	}
	found := make(map[string]bool)
	for _, v := range volumes {
		found[v] = true
	}
	for _, want := range []string{"store", "nats"} {
		if !found[want] {
			t.Errorf("expected volume %q not found in %v", want, volumes)
		}
	}
}

func TestScanArchiveVolumes_Empty(t *testing.T) {
	volumes, err := scanArchiveVolumes(createTestArchive(t, map[string]string{}))
	if err != nil {
		t.Fatal(err)
	}
	if len(volumes) != 0 {
		t.Fatalf("expected 0 volumes, got %v", volumes)
	}
}

func TestScanArchiveVolumes_Invalid(t *testing.T) {
	if _, err := scanArchiveVolumes("/nonexistent/file.tar.zst"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("not zstd data"), 0o644)
	if _, err := scanArchiveVolumes(path); err == nil {
		t.Error("expected error for invalid zstd data")
	}
}

// testDataConfig lays out a store file and a NATS directory under a temp dir.
func testDataConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{Path: filepath.Join(root, "data", "deepr.db")},
		NATS:  config.NATSConfig{DataDir: filepath.Join(root, "data", "nats")},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := testDataConfig(t)
	writeFile(t, src.Store.Path, "sqlite-data")
	writeFile(t, src.Store.Path+"-wal", "wal-data")
	writeFile(t, filepath.Join(filepath.Dir(src.Store.Path), "unrelated.txt"), "not archived")
	writeFile(t, filepath.Join(src.NATS.DataDir, "jetstream", "RESEARCH", "msgs", "1.blk"), "events")

	archivePath := filepath.Join(t.TempDir(), "backup.tar.zst")
	n, err := backup(src, archivePath)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 volumes archived, got %d", n)
	}

	// Entries are prefixed and only the database files leave the store dir.
	var names []string
	f, _ := os.Open(archivePath)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"store/deepr.db", "store/deepr.db-wal", "nats/jetstream/RESEARCH/msgs/1.blk"} {
		if !strings.Contains(joined, want) {
			t.Errorf("archive missing %s: %v", want, names)
		}
	}
	if strings.Contains(joined, "unrelated.txt") {
		t.Errorf("archive should not include unrelated files: %v", names)
	}

	dst := testDataConfig(t)
	n, err = restore(dst, archivePath, false)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 volumes restored, got %d", n)
	}
	if got := readFile(t, dst.Store.Path); got != "sqlite-data" {
		t.Errorf("store file = %q", got)
	}
	if got := readFile(t, dst.Store.Path+"-wal"); got != "wal-data" {
		t.Errorf("wal file = %q", got)
	}
	if got := readFile(t, filepath.Join(dst.NATS.DataDir, "jetstream", "RESEARCH", "msgs", "1.blk")); got != "events" {
		t.Errorf("nats file = %q", got)
	}
}

func TestRestoreRefusesExistingData(t *testing.T) {
	src := testDataConfig(t)
	writeFile(t, src.Store.Path, "new")
	archivePath := filepath.Join(t.TempDir(), "backup.tar.zst")
	if _, err := backup(src, archivePath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := testDataConfig(t)
	writeFile(t, dst.Store.Path, "old")

	_, err := restore(dst, archivePath, false)
	if err == nil || !strings.Contains(err.Error(), "-overwrite") {
		t.Fatalf("expected overwrite error, got %v", err)
	}
	if got := readFile(t, dst.Store.Path); got != "old" {
		t.Errorf("existing data changed to %q", got)
	}

	if _, err := restore(dst, archivePath, true); err != nil {
		t.Fatalf("restore with overwrite: %v", err)
	}
	if got := readFile(t, dst.Store.Path); got != "new" {
		t.Errorf("store file = %q, want new", got)
	}
}

func TestBackupSkipsMissingVolumes(t *testing.T) {
	cfg := testDataConfig(t)
	archivePath := filepath.Join(t.TempDir(), "empty.tar.zst")

	n, err := backup(cfg, archivePath)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 volumes, got %d", n)
	}

	restored, err := restore(testDataConfig(t), archivePath, false)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 0 {
		t.Errorf("expected nothing restored, got %d", restored)
	}
}

func TestRestoreIgnoresUnknownVolumes(t *testing.T) {
	var buf bytes.Buffer
	zw, _ := zstd.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, content := range map[string]string{"elsewhere/file": "x", "store/deepr.db": "db"} {
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))})
		tw.Write([]byte(content))
	}
	tw.Close()
	zw.Close()

	path := filepath.Join(t.TempDir(), "mixed.tar.zst")
	os.WriteFile(path, buf.Bytes(), 0o644)

	cfg := testDataConfig(t)
	n, err := restore(cfg, path, false)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 volume restored, got %d", n)
	}
	if got := readFile(t, cfg.Store.Path); got != "db" {
		t.Errorf("store file = %q", got)
	}
}
