// Package dataurl parses the data-URI transport encoding used for
// attachment payloads: data:<mediatype>;base64,<body>.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is the parse failure for payloads that are not a valid
// base64 data URI. It is a local error, never a model-service failure.
var ErrMalformed = errors.New("malformed data URI")

// Attachment is a decoded payload.
type Attachment struct {
	MediaType string
	Data      []byte
	// Raw is the original URI, kept for re-rendering the attachment.
	Raw string
}

// Parse splits a data URI into its media type and decoded body.
func Parse(raw string) (*Attachment, error) {
	meta, body, ok := strings.Cut(raw, ",")
	if !ok {
		return nil, fmt.Errorf("missing payload separator: %w", ErrMalformed)
	}

	scheme, ok := strings.CutPrefix(meta, "data:")
	if !ok {
		return nil, fmt.Errorf("missing data scheme: %w", ErrMalformed)
	}

	mediaType, encoding, ok := strings.Cut(scheme, ";")
	if !ok || encoding != "base64" {
		return nil, fmt.Errorf("unsupported encoding %q: %w", scheme, ErrMalformed)
	}
	if mediaType == "" {
		return nil, fmt.Errorf("missing media type: %w", ErrMalformed)
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", ErrMalformed)
	}

	return &Attachment{
		MediaType: mediaType,
		Data:      data,
		Raw:       raw,
	}, nil
}

// Encode builds a data URI from a media type and a binary body.
func Encode(mediaType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}
