// Package ingest reads transcript files into content units.
package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// ErrUnsupportedFormat is returned for files that are not .txt, .md or .pdf.
var ErrUnsupportedFormat = errors.New("unsupported transcript format")

// ErrEmptyTranscript is returned when a file holds no text.
var ErrEmptyTranscript = errors.New("transcript has no text")

// Transcript is the text and title read from one file.
type Transcript struct {
	Title string
	Text  string
}

// ReadFile extracts a transcript from a text, markdown or PDF file.
func ReadFile(path string) (Transcript, error) {
	var text string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	case ".pdf":
		text, err = readPDF(path)
	default:
		return Transcript{}, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("reading %s: %w", path, err)
	}

	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return Transcript{}, fmt.Errorf("%s: %w", path, ErrEmptyTranscript)
	}

	title := heading(text)
	if title == "" {
		base := filepath.Base(path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return Transcript{Title: title, Text: text}, nil
}

// heading returns the first markdown level-one heading, if the text opens
// with one.
func heading(text string) string {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return ""
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Some pages fail to decode; keep the rest of the document.
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(text)
	}
	return buf.String(), nil
}

// UnitStore is where imported units are written.
type UnitStore interface {
	SaveUnit(u storage.ContentUnit) error
}

// ImportOptions describes the unit an import creates.
type ImportOptions struct {
	// UnitID defaults to a random UUID.
	UnitID   string
	PersonID string
	Consent  bool
}

// Import reads a transcript file and saves it as a content unit.
func Import(store UnitStore, path string, opts ImportOptions) (storage.ContentUnit, error) {
	if opts.PersonID == "" {
		return storage.ContentUnit{}, errors.New("person id is required")
	}
	tr, err := ReadFile(path)
	if err != nil {
		return storage.ContentUnit{}, err
	}
	id := opts.UnitID
	if id == "" {
		id = uuid.New().String()
	}
	u := storage.ContentUnit{
		ID:              id,
		PersonID:        opts.PersonID,
		Title:           tr.Title,
		Text:            tr.Text,
		AnalysisConsent: opts.Consent,
		ModifiedAt:      time.Now().UTC(),
	}
	if err := store.SaveUnit(u); err != nil {
		return storage.ContentUnit{}, fmt.Errorf("saving unit: %w", err)
	}
	return u, nil
}
