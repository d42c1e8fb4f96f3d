package rulesink

import (
	"encoding/base64"
	"mime"
	"sort"
	"strings"

	"github.com/keithlinneman/capserve/internal/xerrors"
)

// EncodeDataURI renders data:<mediatype>;base64,<payload>. Media type
// parameters are kept without whitespace.
func EncodeDataURI(mediaType string, data []byte) string {
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(compactMediaType(mediaType))
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

func compactMediaType(mediaType string) string {
	mt, params, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "application/octet-stream"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mt += ";" + k + "=" + params[k]
	}
	return mt
}

// DecodeDataURI reverses EncodeDataURI. The returned media type keeps its
// parameters in header form (e.g. "text/html; charset=utf-8").
func DecodeDataURI(uri string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, xerrors.New("rulesink: not a data URI")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, xerrors.New("rulesink: data URI has no payload separator")
	}
	header, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, xerrors.New("rulesink: only base64 data URIs are supported")
	}
	if data, err = base64.StdEncoding.DecodeString(payload); err != nil {
		return "", nil, xerrors.Wrap(err, "rulesink: decode data URI payload")
	}
	if header == "" {
		header = "text/plain;charset=US-ASCII"
	}
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", nil, xerrors.Wrap(err, "rulesink: parse data URI media type")
	}
	return mime.FormatMediaType(mt, params), data, nil
}
