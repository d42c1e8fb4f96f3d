// internal/content/validate.go

package content

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/keithlinneman/capserve/internal/pathutil"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// Descriptors are the three parsed descriptor files of a package.
type Descriptors struct {
	Metadata Metadata
	Manifest []ManifestEntry
	Routes   []Route
}

// ReadDescriptors parses metadata.json, manifest.json and routes.json from
// the bundle root and validates them. Every failure matches ErrMalformedPackage.
func ReadDescriptors(fsys fs.FS) (*Descriptors, error) {
	var (
		d  Descriptors
		md manifestDoc
		rd routesDoc
	)
	if err := readJSON(fsys, MetadataFile, &d.Metadata); err != nil {
		return nil, err
	}
	if d.Metadata == nil {
		return nil, xerrors.Mark(xerrors.Newf("%s must be a JSON object", MetadataFile), ErrMalformedPackage)
	}
	if err := readJSON(fsys, ManifestFile, &md); err != nil {
		return nil, err
	}
	if err := readJSON(fsys, RoutesFile, &rd); err != nil {
		return nil, err
	}
	d.Manifest = md.Content
	d.Routes = rd.Routes

	if err := ValidateDescriptors(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func readJSON(fsys fs.FS, name string, v any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "read %s", name), ErrMalformedPackage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "parse %s", name), ErrMalformedPackage)
	}
	return nil
}

// ValidateDescriptors checks the manifest and route table invariants and
// reports every violation at once.
func ValidateDescriptors(d *Descriptors) error {
	var errs []error

	if len(d.Manifest) == 0 {
		errs = append(errs, errors.New("manifest lists no content"))
	}
	files := make(map[string]struct{}, len(d.Manifest))
	for i, e := range d.Manifest {
		if err := checkFileName(e.File); err != nil {
			errs = append(errs, fmt.Errorf("manifest[%d]: %w", i, err))
			continue
		}
		if _, dup := files[e.File]; dup {
			errs = append(errs, fmt.Errorf("manifest[%d]: duplicate file %q", i, e.File))
			continue
		}
		files[e.File] = struct{}{}
	}

	paths := make(map[string]struct{}, len(d.Routes))
	for i, r := range d.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Errorf("routes[%d]: path %q must start with /", i, r.Path))
		} else if _, dup := paths[r.Path]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate path %q", i, r.Path))
		} else {
			paths[r.Path] = struct{}{}
		}
		if _, ok := files[r.Target.File]; !ok {
			errs = append(errs, fmt.Errorf("routes[%d]: target %q is not in the manifest", i, r.Target.File))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return xerrors.Mark(xerrors.WithStack(errors.Join(errs...)), ErrMalformedPackage)
}

func checkFileName(name string) error {
	switch {
	case name == "":
		return errors.New("empty file name")
	case path.IsAbs(name):
		return fmt.Errorf("file %q must be relative", name)
	case pathutil.HasDotSegments(name):
		return fmt.Errorf("file %q contains dot segments", name)
	case strings.ContainsRune(name, '\\'):
		return fmt.Errorf("file %q contains a backslash", name)
	}
	return nil
}
