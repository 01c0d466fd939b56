// Package lnurl implements the LUD-06 wire types: the canonical metadata
// serialization committed in invoice description hashes, the payRequest
// descriptor, and LUD-17 bech32 encoding of service URLs.
package lnurl

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/switchgear-ln/switchgear/internal/model"
)

const (
	entryTypeText       = "text/plain"
	entryTypeLongText   = "text/long-desc"
	entryTypePNG        = "image/png;base64"
	entryTypeJPEG       = "image/jpeg;base64"
	entryTypeEmail      = "text/email"
	entryTypeIdentifier = "text/identifier"
)

// EncodeMetadata renders the canonical LUD-06 metadata array for the given
// metadata row. Entry order is fixed: text, long text, image, identifier.
// The serialization is byte-stable: no whitespace between JSON tokens, UTF-8
// throughout. The same metadata always produces the same bytes, which is what
// the invoice description hash commits to.
func EncodeMetadata(m model.MetadataSparse) (string, error) {
	entries := [][2]string{{entryTypeText, m.Text}}

	if m.LongText != "" {
		entries = append(entries, [2]string{entryTypeLongText, m.LongText})
	}

	if m.Image != nil {
		if len(m.Image.PNG) > 0 {
			entries = append(entries, [2]string{entryTypePNG, base64.StdEncoding.EncodeToString(m.Image.PNG)})
		} else {
			entries = append(entries, [2]string{entryTypeJPEG, base64.StdEncoding.EncodeToString(m.Image.JPEG)})
		}
	}

	if m.Identifier != nil {
		if m.Identifier.Email != "" {
			entries = append(entries, [2]string{entryTypeEmail, m.Identifier.Email})
		} else {
			entries = append(entries, [2]string{entryTypeIdentifier, m.Identifier.Text})
		}
	}

	// json.Marshal would HTML-escape <, > and & inside entry values, which
	// changes the bytes the description hash commits to. A plain encoder
	// keeps the serialization byte-identical across processes.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// MetadataHash is the SHA-256 of the canonical metadata serialization.
func MetadataHash(metadata string) [32]byte {
	return sha256.Sum256([]byte(metadata))
}
