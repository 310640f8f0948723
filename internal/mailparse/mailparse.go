// Package mailparse turns an uploaded .eml file into the canonical
// "Subject/Body" text used for duplicate detection and classification.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register non-UTF-8 charsets
)

// Extension is the only accepted upload extension.
const Extension = ".eml"

var (
	// ErrInvalidFormat means the upload is not an .eml file.
	ErrInvalidFormat = errors.New("invalid file format")

	// ErrDecode means the message has no decodable text/plain payload.
	ErrDecode = errors.New("email decode failed")
)

// ValidateFilename checks the upload's extension marker.
func ValidateFilename(name string) error {
	if !strings.EqualFold(filepath.Ext(name), Extension) {
		return fmt.Errorf("%w: please upload %s file", ErrInvalidFormat, Extension)
	}
	return nil
}

// Extract validates the filename and returns the canonical text of the message.
func Extract(filename string, raw []byte) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	subject, body, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Canonical(subject, body), nil
}

// Canonical formats a subject and body the way every downstream stage expects.
func Canonical(subject, body string) string {
	return fmt.Sprintf("Subject: %s\n\nBody: %s", subject, body)
}

// Parse decodes the subject and text body of a raw RFC 5322 message.
// Multipart messages contribute every text/plain part, in order.
func Parse(raw []byte) (subject, body string, err error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return "", "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	subject, herr := e.Header.Text("Subject")
	if herr != nil {
		subject = e.Header.Get("Subject")
	}

	if !strings.HasPrefix(mediaType(&e.Header), "multipart/") {
		body, err = readText(e.Body)
		if err != nil {
			return "", "", err
		}
		return subject, body, nil
	}

	var b strings.Builder
	found := false
	walkErr := e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !tolerable(err) {
			return err
		}
		if mediaType(&part.Header) != "text/plain" {
			return nil
		}
		text, err := readText(part.Body)
		if err != nil {
			return err
		}
		b.WriteString(text)
		found = true
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, ErrDecode) {
			return "", "", walkErr
		}
		return "", "", fmt.Errorf("%w: %v", ErrDecode, walkErr)
	}
	if !found {
		return "", "", fmt.Errorf("%w: no text/plain part", ErrDecode)
	}
	return subject, b.String(), nil
}

// mediaType returns the lowercased media type, defaulting to text/plain when
// the header is absent as RFC 2045 prescribes.
func mediaType(h *message.Header) string {
	if h.Get("Content-Type") == "" {
		return "text/plain"
	}
	t, _, err := h.ContentType()
	if err != nil {
		return ""
	}
	return strings.ToLower(t)
}

func readText(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: read payload: %v", ErrDecode, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}
	return string(data), nil
}

// tolerable reports errors go-message returns alongside a usable entity.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
