package parse

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode strips a UTF-8 BOM and returns the content as a UTF-8 string. Bytes
// that are not valid UTF-8 get a Windows-1252 fallback decode; affiliate feeds
// exported from Windows tooling are the usual culprit.
func decode(content []byte) (string, error) {
	content = bytes.TrimPrefix(content, utf8BOM)

	if utf8.Valid(content) {
		return string(content), nil
	}

	reader := transform.NewReader(strings.NewReader(string(content)), charmap.Windows1252.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
