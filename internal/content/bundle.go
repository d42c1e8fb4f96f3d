// internal/content/bundle.go
package content

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"path"
	"strings"
	"testing/fstest"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/capserve/internal/xerrors"
)

const (
	// DefaultMaxArchive is the largest compressed archive accepted.
	DefaultMaxArchive int64 = 50 * 1024 * 1024 // 50MB

	// DefaultMaxFile is the largest single extracted file.
	DefaultMaxFile int64 = 10 * 1024 * 1024 // 10MB

	// DefaultMaxTotal bounds the sum of all extracted files.
	DefaultMaxTotal int64 = 100 * 1024 * 1024 // 100MB
)

// Limits bounds archive extraction. Zero fields take the defaults.
type Limits struct {
	MaxArchive int64
	MaxFile    int64
	MaxTotal   int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchive <= 0 {
		l.MaxArchive = DefaultMaxArchive
	}
	if l.MaxFile <= 0 {
		l.MaxFile = DefaultMaxFile
	}
	if l.MaxTotal <= 0 {
		l.MaxTotal = DefaultMaxTotal
	}
	return l
}

// OpenBundle detects whether data is a zip or a gzip'd tar and extracts
// it into an in-memory filesystem.
func OpenBundle(data []byte, lim Limits) (fs.FS, error) {
	lim = lim.withDefaults()
	if int64(len(data)) > lim.MaxArchive {
		return nil, xerrors.Mark(
			xerrors.Newf("archive is %d bytes, limit %d", len(data), lim.MaxArchive),
			ErrArchiveTooLarge)
	}

	detected := mimetype.Detect(data)
	// zip-based formats (jar, docx, ...) detect as children of application/zip
	for mt := detected; mt != nil; mt = mt.Parent() {
		switch {
		case mt.Is("application/zip"):
			return extractZipToMem(data, lim)
		case mt.Is("application/gzip"):
			return extractTarGzToMem(data, lim)
		}
	}
	return nil, xerrors.Mark(
		xerrors.Newf("unsupported archive type %s", detected.String()),
		ErrMalformedPackage)
}

// entryName cleans an archive path and rejects absolute or escaping names.
// Returns "" for entries that resolve to the root.
func entryName(raw string) (string, error) {
	name := path.Clean(strings.ReplaceAll(raw, "\\", "/"))
	if name == "." || name == "" {
		return "", nil
	}
	if path.IsAbs(name) {
		return "", xerrors.Mark(xerrors.Newf("absolute path in archive: %s", raw), ErrMalformedPackage)
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return "", xerrors.Mark(xerrors.Newf("path traversal in archive: %s", raw), ErrMalformedPackage)
	}
	return name, nil
}

// memWriter accumulates extracted files and enforces the size limits.
type memWriter struct {
	lim   Limits
	mfs   fstest.MapFS
	total int64
}

func (w *memWriter) add(name string, declared int64, r io.Reader, mode fs.FileMode) error {
	if declared > w.lim.MaxFile {
		return xerrors.Mark(
			xerrors.Newf("file %s exceeds max size (%d > %d)", name, declared, w.lim.MaxFile),
			ErrArchiveTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(r, w.lim.MaxFile+1))
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "read %s", name), ErrMalformedPackage)
	}
	if int64(len(data)) > w.lim.MaxFile {
		return xerrors.Mark(
			xerrors.Newf("file %s exceeds max size after read", name),
			ErrArchiveTooLarge)
	}
	w.total += int64(len(data))
	if w.total > w.lim.MaxTotal {
		return xerrors.Mark(
			xerrors.Newf("total extracted size exceeds limit (%d bytes, max %d)", w.total, w.lim.MaxTotal),
			ErrArchiveTooLarge)
	}
	if _, dup := w.mfs[name]; dup {
		return xerrors.Mark(xerrors.Newf("duplicate archive entry %s", name), ErrMalformedPackage)
	}
	w.mfs[name] = &fstest.MapFile{Data: data, Mode: mode.Perm()}
	return nil
}

func extractZipToMem(data []byte, lim Limits) (fs.FS, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "open zip"), ErrMalformedPackage)
	}

	w := &memWriter{lim: lim, mfs: make(fstest.MapFS)}
	for _, f := range zr.File {
		name, err := entryName(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" || f.FileInfo().IsDir() {
			continue
		}
		if !f.Mode().IsRegular() {
			return nil, xerrors.Mark(
				xerrors.Newf("unsupported file type in archive: %s (mode=%s)", name, f.Mode()),
				ErrMalformedPackage)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrapf(err, "open %s", name), ErrMalformedPackage)
		}
		err = w.add(name, int64(f.UncompressedSize64), rc, f.Mode())
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return w.mfs, nil
}

func extractTarGzToMem(data []byte, lim Limits) (fs.FS, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "open gzip"), ErrMalformedPackage)
	}
	defer gr.Close()

	w := &memWriter{lim: lim, mfs: make(fstest.MapFS)}
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrap(err, "read tar header"), ErrMalformedPackage)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeXGlobalHeader:
			continue
		case tar.TypeReg:
			if err := w.add(name, hdr.Size, tr, hdr.FileInfo().Mode()); err != nil {
				return nil, err
			}
		default:
			return nil, xerrors.Mark(
				xerrors.Newf("unsupported file type in archive: %s (type=%d)", name, hdr.Typeflag),
				ErrMalformedPackage)
		}
	}
	return w.mfs, nil
}

// bundleRoot returns fsys itself when the descriptors sit at its root, or
// the single top-level directory that holds them. Archives zipped from a
// parent folder wrap everything in one such directory.
func bundleRoot(fsys fs.FS) (fs.FS, error) {
	if _, err := fs.Stat(fsys, MetadataFile); err == nil {
		return fsys, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "read archive root"), ErrMalformedPackage)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		sub, err := fs.Sub(fsys, entries[0].Name())
		if err == nil {
			if _, err := fs.Stat(sub, MetadataFile); err == nil {
				return sub, nil
			}
		}
	}
	return fsys, nil
}
