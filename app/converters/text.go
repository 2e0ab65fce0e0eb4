// Package converters turns uploaded files into plain text for the assistant.
package converters

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"legalbot/m/v2/app/models"

	"github.com/sirupsen/logrus"
)

const (
	docxBody = "word/document.xml"

	// MaxTextLen bounds the text taken from any file, in bytes.
	MaxTextLen = 256 << 10
	// maxDocxBody bounds the decompressed document.xml, markup included.
	maxDocxBody = 32 << 20
)

// ErrTooMuchText rejects files whose text exceeds MaxTextLen.
var ErrTooMuchText = fmt.Errorf("%w: text is longer than %d bytes", models.ErrUnsupportedFile, MaxTextLen)

// ExtractText returns the readable text of a .txt, .md or .docx file.
// Any other format is rejected with models.ErrUnsupportedFile.
func ExtractText(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	var (
		text string
		err  error
	)
	switch ext {
	case ".txt", ".md":
		text, err = plainText(data)
	case ".docx":
		text, err = docxText(data)
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedFile, ext)
	}
	if err != nil {
		logrus.Warnf("ExtractText: failed to read %s: %v", name, err)
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s has no text", models.ErrValidation, name)
	}
	return text, nil
}

func plainText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(data) > MaxTextLen {
		return "", ErrTooMuchText
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: file is not UTF-8 text", models.ErrUnsupportedFile)
	}
	return string(data), nil
}

// docxText reads paragraphs from word/document.xml, one line per <w:p>.
func docxText(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: not a docx archive", models.ErrUnsupportedFile)
	}
	for _, f := range archive.File {
		if f.Name != docxBody {
			continue
		}
		if f.UncompressedSize64 > maxDocxBody {
			return "", fmt.Errorf("%w: %s is %d bytes", models.ErrUnsupportedFile, docxBody, f.UncompressedSize64)
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrUnsupportedFile, err)
		}
		defer rc.Close()
		return paragraphs(io.LimitReader(rc, maxDocxBody))
	}
	return "", fmt.Errorf("%w: %s is missing", models.ErrUnsupportedFile, docxBody)
}

func paragraphs(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var (
		b      strings.Builder
		inText bool
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: broken document.xml: %v", models.ErrUnsupportedFile, err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
		if b.Len() > MaxTextLen {
			return "", ErrTooMuchText
		}
	}
}
