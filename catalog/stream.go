package catalog

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// streamArray decodes a top-level JSON array one element at a time without
// buffering the whole document: it reads the opening '[' token, then
// repeatedly decodes a single array element straight off r, handing each
// one to yield before the next read. This is the decoder-native equivalent
// of a growable-buffer "try to decode, read more on failure" loop — the
// catalog response body is tens of MB and is never held in memory whole.
func streamArray(r io.Reader, yield func(raw []byte) error) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read opening token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("expected array, got %v", tok)
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode array element: %w", err)
		}
		if err := yield(raw); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return fmt.Errorf("read closing token: %w", err)
	}
	return nil
}
