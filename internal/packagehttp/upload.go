package packagehttp

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// FormField is the multipart field carrying the archive.
const FormField = "file"

var (
	errNoArchive       = errors.New("no archive in request")
	errUnsupportedFile = errors.New("unsupported file extension")
)

// acceptedExt lists upload file names we take; the container format is
// detected from the bytes, not the name.
var acceptedExt = []string{".cap", ".zip"}

// readArchive returns the uploaded archive from a multipart field named
// "file" or, for any other content type, the raw request body.
func readArchive(r *http.Request, limit int64) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		return readMultipart(r, limit)
	}
	return readLimited(r.Body, limit)
}

func readMultipart(r *http.Request, limit int64) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "multipart"), errNoArchive)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, xerrors.Wrapf(errNoArchive, "multipart field %q missing", FormField)
		}
		if err != nil {
			return nil, classifyRead(err)
		}
		if part.FormName() != FormField {
			_ = part.Close()
			continue
		}
		if name := part.FileName(); name != "" && !hasAcceptedExt(name) {
			_ = part.Close()
			return nil, xerrors.Wrapf(errUnsupportedFile, "%q (want .cap or .zip)", name)
		}
		defer part.Close()
		return readLimited(part, limit)
	}
}

// readLimited reads at most limit bytes. One byte more marks the archive too large.
func readLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, classifyRead(err)
	}
	if int64(len(data)) > limit {
		return nil, xerrors.Mark(xerrors.Newf("upload exceeds %d bytes", limit), content.ErrArchiveTooLarge)
	}
	if len(data) == 0 {
		return nil, xerrors.Wrap(errNoArchive, "empty body")
	}
	return data, nil
}

// classifyRead maps the server body limit onto ErrArchiveTooLarge.
func classifyRead(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return xerrors.Mark(xerrors.Wrap(err, "read upload"), content.ErrArchiveTooLarge)
	}
	return xerrors.Wrap(err, "read upload")
}

func hasAcceptedExt(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, a := range acceptedExt {
		if ext == a {
			return true
		}
	}
	return false
}
