package app

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// contentTypeForFilename maps the file extension to a MIME type.
func contentTypeForFilename(filename string) string {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentType
}

// pdfPageCount extracts the page count from PDF bytes. The count is advisory
// catalog metadata, so any parse problem yields 0 rather than an error.
func pdfPageCount(data []byte) (count int) {
	// The pdf library panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			count = 0
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return reader.NumPage()
}

func isPDF(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}
