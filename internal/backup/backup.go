// Package backup archives the history database and configuration file of a
// procwatch install into a tar.gz, and restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HerbHall/procwatch/internal/store"
)

// ErrExists is returned by Restore when a file would be overwritten
// without force.
var ErrExists = errors.New("file already exists")

// Backup writes dbPath and, when it exists, configPath into a gzip'd tar at
// outputPath. The database WAL is checkpointed first so the copy holds every
// committed sample.
func Backup(ctx context.Context, dbPath, configPath, outputPath string) (err error) {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("history database: %w", err)
	}
	if err := checkpoint(ctx, dbPath); err != nil {
		return err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	files := []string{dbPath}
	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			files = append(files, configPath)
		}
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, f); err != nil {
			return fmt.Errorf("archive %s: %w", f, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// Restore extracts the archive at inputPath into dir. Entries are flattened
// to their base name; existing files are only replaced when force is set.
func Restore(ctx context.Context, inputPath, dir string, force bool) ([]string, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var restored []string
	tr := tar.NewReader(gr)
	for {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(filepath.Clean(hdr.Name))
		if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return restored, fmt.Errorf("unsafe entry name %q", hdr.Name)
		}
		dst := filepath.Join(dir, name)
		if err := extract(tr, dst, hdr.FileInfo().Mode().Perm(), force); err != nil {
			return restored, err
		}
		restored = append(restored, dst)
	}
}

func checkpoint(ctx context.Context, dbPath string) error {
	st, err := store.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Checkpoint(ctx)
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func extract(r io.Reader, dst string, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(dst, flags, perm|0o600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", dst, ErrExists)
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return f.Close()
}
