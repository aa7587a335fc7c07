// Package backup moves tenant state between disk and an object store as
// gzipped tar archives.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// writeArchive streams a gzipped tar of srcDir. Headers are portable: paths
// are slash-separated and relative, uid/gid cleared.
func writeArchive(srcDir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid = 0
		hdr.Gid = 0
		hdr.Uname = ""
		hdr.Gname = ""
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header %s: %w", hdr.Name, err)
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// extractArchive unpacks a gzipped tar under destDir with the traversal
// filter applied: absolute entry paths, entries resolving outside destDir,
// and links targeting outside destDir are all skipped. Stored modes and
// mtimes are not honored.
func extractArchive(r io.Reader, destDir string) error {
	destDir, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		name := filepath.FromSlash(hdr.Name)
		if name == "" || filepath.IsAbs(name) {
			continue
		}
		target, ok := resolveWithin(destDir, name)
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			// #nosec G110 -- archives come from our own backups; size is bounded upstream.
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if !linkStaysWithin(destDir, name, hdr.Linkname) {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, ok := resolveWithin(destDir, filepath.FromSlash(hdr.Linkname))
			if !ok {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(source, target); err != nil {
				continue
			}
		default:
			// Devices, fifos and the rest are never restored.
		}
	}
}

// resolveWithin joins rel under base and checks the cleaned result is still
// inside base (prefix compare includes the trailing separator).
func resolveWithin(base, rel string) (string, bool) {
	target := filepath.Clean(filepath.Join(base, rel))
	if target == base {
		return target, true
	}
	if !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

// linkStaysWithin rejects symlink targets that escape base once resolved
// relative to the link's directory.
func linkStaysWithin(base, name, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Clean(filepath.Join(base, filepath.Dir(name), linkname))
	if resolved == base {
		return true
	}
	return strings.HasPrefix(resolved, base+string(filepath.Separator))
}
