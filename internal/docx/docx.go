// Package docx reads and rewrites the text of Word (.docx) files.
package docx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

const documentPart = "word/document.xml"

// ErrNotDocx is returned for input that is not a Word package.
var ErrNotDocx = errors.New("not a docx file")

// ExtractText returns the raw text of the main document: one line per
// paragraph, tabs and breaks kept, formatting dropped.
func ExtractText(data []byte) (string, error) {
	part, err := readPart(data, documentPart)
	if err != nil {
		return "", err
	}

	dec := xml.NewDecoder(bytes.NewReader(part))
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", documentPart, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
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
	}
	return strings.TrimSpace(b.String()), nil
}

var (
	paragraphRe = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	textRunRe   = regexp.MustCompile(`(?s)(<w:t(?:\s[^>]*)?>)(.*?)(</w:t>)`)
)

// ReplaceText substitutes every occurrence of each key with its value in the
// document body, headers and footers. Word often splits a placeholder across
// several runs; a paragraph holding a placeholder is collapsed into its first
// run so the placeholder can be matched whole.
func ReplaceText(data []byte, replacements map[string]string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocx, err)
	}

	replacer := newReplacer(replacements)
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	found := false
	for _, f := range zr.File {
		content, err := readFile(f)
		if err != nil {
			return nil, err
		}
		if isTextPart(f.Name) {
			if f.Name == documentPart {
				found = true
			}
			content = replaceInPart(content, replacer)
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   f.Method,
			Modified: f.Modified,
		})
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize docx: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: missing %s", ErrNotDocx, documentPart)
	}
	return out.Bytes(), nil
}

func isTextPart(name string) bool {
	if name == documentPart {
		return true
	}
	return strings.HasPrefix(name, "word/header") || strings.HasPrefix(name, "word/footer")
}

// newReplacer substitutes in one pass so a value is never rewritten by another
// key. Longer keys take precedence at the same position.
func newReplacer(replacements map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, replacements[k])
	}
	return strings.NewReplacer(pairs...)
}

func replaceInPart(part []byte, replacer *strings.Replacer) []byte {
	return paragraphRe.ReplaceAllFunc(part, func(p []byte) []byte {
		runs := textRunRe.FindAllSubmatchIndex(p, -1)
		if len(runs) == 0 {
			return p
		}

		var joined strings.Builder
		for _, r := range runs {
			joined.WriteString(unescape(string(p[r[4]:r[5]])))
		}
		text := joined.String()
		replaced := replacer.Replace(text)
		if replaced == text {
			return p
		}

		var b bytes.Buffer
		last := 0
		for i, r := range runs {
			b.Write(p[last:r[0]])
			if i == 0 {
				b.WriteString(`<w:t xml:space="preserve">`)
				xml.EscapeText(&b, []byte(replaced))
			} else {
				b.Write(p[r[2]:r[3]])
			}
			b.Write(p[r[6]:r[7]])
			last = r[1]
		}
		b.Write(p[last:])
		return b.Bytes()
	})
}

var unescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescape(s string) string {
	return unescaper.Replace(s)
}

func readPart(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocx, err)
	}
	for _, f := range zr.File {
		if f.Name == name {
			return readFile(f)
		}
	}
	return nil, fmt.Errorf("%w: missing %s", ErrNotDocx, name)
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}
