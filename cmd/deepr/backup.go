package main

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
	"github.com/mtzanidakis/deepr/internal/config"
)

// Archive entries are prefixed with the name of the volume they belong to.
const (
	volumeStore = "store"
	volumeNATS  = "nats"
)

// dataVolume is a directory the gateway keeps state in. Include limits the
// archive to the named files; nil archives the whole directory.
type dataVolume struct {
	Name    string
	Dir     string
	Include []string
}

func dataVolumes(cfg *config.Config) []dataVolume {
	db := filepath.Base(cfg.Store.Path)
	return []dataVolume{
		{
			Name:    volumeStore,
			Dir:     filepath.Dir(cfg.Store.Path),
			Include: []string{db, db + "-wal", db + "-shm"},
		},
		{Name: volumeNATS, Dir: cfg.NATS.DataDir},
	}
}

func findVolume(vols []dataVolume, name string) (dataVolume, bool) {
	i := slices.IndexFunc(vols, func(v dataVolume) bool { return v.Name == name })
	if i < 0 {
		return dataVolume{}, false
	}
	return vols[i], true
}

// existingIncludes drops include entries that are not on disk.
func (v dataVolume) existingIncludes() []string {
	var out []string
	for _, name := range v.Include {
		if _, err := os.Lstat(filepath.Join(v.Dir, name)); err == nil {
			out = append(out, name)
		}
	}
	return out
}

// hasData reports whether restoring into v would replace existing files.
func (v dataVolume) hasData() bool {
	if v.Include != nil {
		return len(v.existingIncludes()) > 0
	}
	entries, err := os.ReadDir(v.Dir)
	return err == nil && len(entries) > 0
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: deepr backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n, err := backup(cfg, outputPath)
	if err != nil {
		return err
	}

	size := int64(0)
	if info, _ := os.Stat(outputPath); info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d volumes, %s\n", n, formatSize(size))
	return nil
}

// backup writes every data volume that exists into a zstd-compressed tar at
// outputPath and returns how many volumes it archived.
func backup(cfg *config.Config, outputPath string) (int, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, vol := range dataVolumes(cfg) {
		if _, err := os.Stat(vol.Dir); err != nil {
			slog.Warn("skipping missing volume", "name", vol.Name, "dir", vol.Dir)
			continue
		}
		if vol.Include != nil {
			vol.Include = vol.existingIncludes()
			if len(vol.Include) == 0 {
				slog.Warn("skipping empty volume", "name", vol.Name, "dir", vol.Dir)
				continue
			}
		}
		slog.Info("backing up volume", "name", vol.Name, "dir", vol.Dir)
		if err := backupVolume(tw, vol); err != nil {
			return count, fmt.Errorf("backup volume %s: %w", vol.Name, err)
		}
		count++
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return count, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

func backupVolume(tw *tar.Writer, vol dataVolume) error {
	rc, err := goarchive.TarWithOptions(vol.Dir, &goarchive.TarOptions{IncludeFiles: vol.Include})
	if err != nil {
		return fmt.Errorf("tar %s: %w", vol.Dir, err)
	}
	defer rc.Close()

	src := tar.NewReader(rc)
	for {
		hdr, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		hdr.Name = path.Join(vol.Name, hdr.Name)
		if hdr.Typeflag == tar.TypeDir && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(tw, src); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: deepr restore -f <backup.tar.zst> [-overwrite]\nStop the gateway before restoring.\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n, err := restore(cfg, inputPath, overwrite)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Archive contains no volumes.")
		return nil
	}
	fmt.Printf("Restore complete: %d volumes\n", n)
	return nil
}

// restore unpacks the archive at inputPath into the configured data
// volumes. Unless overwrite is set it refuses to touch a volume that
// already holds data.
func restore(cfg *config.Config, inputPath string, overwrite bool) (int, error) {
	vols := dataVolumes(cfg)

	// Pre-scan: collect volume names from archive
	names, err := scanArchiveVolumes(inputPath)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(names) == 0 {
		return 0, nil
	}

	if !overwrite {
		for _, name := range names {
			if vol, ok := findVolume(vols, name); ok && vol.hasData() {
				return 0, fmt.Errorf("volume %s already has data in %s, add -overwrite to replace files", name, vol.Dir)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	// Each volume is streamed through a pipe into its own untar.
	var (
		current string
		pw      *io.PipeWriter
		volTW   *tar.Writer
		untarCh chan error
	)

	finishVolume := func() error {
		if volTW == nil {
			return nil
		}
		closeErr := volTW.Close()
		pw.Close()
		err := <-untarCh
		volTW = nil
		if err != nil {
			return fmt.Errorf("untar volume %s: %w", current, err)
		}
		return closeErr
	}

	startVolume := func(vol dataVolume) error {
		if err := os.MkdirAll(vol.Dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", vol.Dir, err)
		}

		pr, pipew := io.Pipe()
		pw = pipew
		volTW = tar.NewWriter(pw)
		untarCh = make(chan error, 1)

		go func() {
			err := goarchive.Untar(pr, vol.Dir, &goarchive.TarOptions{NoLchown: true})
			pr.CloseWithError(err)
			untarCh <- err
		}()

		current = vol.Name
		slog.Info("restoring volume", "name", vol.Name, "dir", vol.Dir)
		return nil
	}

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = finishVolume()
			return restored, fmt.Errorf("read tar entry: %w", err)
		}

		name, relPath := splitVolumePath(hdr.Name)
		vol, ok := findVolume(vols, name)
		if !ok || relPath == "./" {
			continue
		}

		if name != current {
			if err := finishVolume(); err != nil {
				return restored, err
			}
			if err := startVolume(vol); err != nil {
				return restored, err
			}
			restored++
		}

		hdr.Name = relPath
		if err := volTW.WriteHeader(hdr); err != nil {
			_ = finishVolume()
			return restored, fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(volTW, tr); err != nil {
				_ = finishVolume()
				return restored, fmt.Errorf("write tar data: %w", err)
			}
		}
	}

	if err := finishVolume(); err != nil {
		return restored, err
	}
	return restored, nil
}

// scanArchiveVolumes reads tar headers to collect unique volume names
// without extracting file data.
func scanArchiveVolumes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name, _ := splitVolumePath(hdr.Name)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// splitVolumePath splits "store/deepr.db" into ("store", "deepr.db"). It
// returns an empty volume name for entries outside a known volume.
func splitVolumePath(name string) (volName, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	volName, relPath, found := strings.Cut(name, "/")
	if !isVolumeName(volName) {
		return "", ""
	}
	if !found || relPath == "" {
		relPath = "./"
	}
	return volName, relPath
}

func isVolumeName(name string) bool {
	return name == volumeStore || name == volumeNATS
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
