package dump

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"kgmirror/internal/wikidata"
)

var (
	// ErrSkipLine marks lines that carry no item: array framing, blank lines
	// and non-item entities such as properties or lexemes.
	ErrSkipLine = errors.New("skip line")
	// ErrMalformed marks lines that are not valid entity JSON.
	ErrMalformed = errors.New("malformed dump line")
)

// ParseLine decodes one dump line. The dump is a JSON array with one entity per
// line, so the brackets and trailing commas are stripped first.
func ParseLine(line []byte) (*wikidata.Entity, error) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimSuffix(line, []byte(","))
	if len(line) == 0 || bytes.Equal(line, []byte("[")) || bytes.Equal(line, []byte("]")) {
		return nil, ErrSkipLine
	}
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	probe := gjson.GetManyBytes(line, "type", "id")
	if t := probe[0].String(); t != "" && t != "item" {
		return nil, ErrSkipLine
	}
	if !probe[1].Exists() {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	e, err := wikidata.Decode(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, probe[1].String(), err)
	}
	return e, nil
}
