// Package archive streams a tar.gz snapshot of the state directory for the
// setup page's export download.
package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// skipDirs are dependency caches that bloat an export without carrying any
// state worth keeping.
var skipDirs = map[string]bool{
	"node_modules": true,
	".npm":         true,
	".cache":       true,
	".pnpm-store":  true,
}

// ExportFilename returns the attachment name for an export taken at now.
func ExportFilename(now time.Time) string {
	return "moltbot-state-" + now.Format("20060102-150405") + ".tar.gz"
}

// WriteState streams root as a gzipped tarball to w. Entries are stored
// relative to root under a moltbot-state/ prefix.
func WriteState(w io.Writer, root string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		case !info.Mode().IsRegular() && !info.IsDir():
			// Sockets and pipes have no place in a tarball.
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = "moltbot-state/" + rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}
