package script

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Script text is stored in the Windows-1252 code page used by the
// legacy editor. Natives and diagnostics work in UTF-8.

// DecodeString converts a legacy-encoded byte string to UTF-8.
func DecodeString(data []byte) (string, error) {
	decoder := charmap.Windows1252.NewDecoder()
	reader := transform.NewReader(bytes.NewReader(data), decoder)

	utf8Data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to decode Windows-1252: %w", err)
	}

	return string(utf8Data), nil
}

// EncodeString converts a UTF-8 string to the legacy encoding. Runes that
// the code page cannot represent are replaced with '?'.
func EncodeString(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			out = append(out, b)
			continue
		}
		out = append(out, '?')
	}
	return out
}

// CString returns the bytes of the NUL-terminated string starting at
// offset in data, without the terminator. A missing terminator ends the
// string at the end of data.
func CString(data []byte, offset int) ([]byte, bool) {
	if offset < 0 || offset > len(data) {
		return nil, false
	}
	end := bytes.IndexByte(data[offset:], 0)
	if end < 0 {
		return data[offset:], true
	}
	return data[offset : offset+end], true
}
