package sandbox

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Request asks the worker to rewrite Content for PackageID served at BasePath.
type Request struct {
	ID        uint64 `cbor:"1,keyasint"`
	PackageID string `cbor:"2,keyasint"`
	BasePath  string `cbor:"3,keyasint"`
	Content   string `cbor:"4,keyasint"`
}

// Response carries either rewritten Content or a non-empty Error.
type Response struct {
	ID      uint64 `cbor:"1,keyasint"`
	Content string `cbor:"2,keyasint,omitempty"`
	Error   string `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sandbox: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic("sandbox: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }
func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
