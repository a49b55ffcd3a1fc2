package docx

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wordNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`,
		"word/document.xml":   `<?xml version="1.0" encoding="UTF-8"?><w:document ` + wordNS + `><w:body>` + body + `</w:body></w:document>`,
	}
	for name, content := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractText(t *testing.T) {
	data := buildDocx(t,
		`<w:p><w:r><w:t>Claimant:</w:t></w:r><w:r><w:tab/><w:t xml:space="preserve"> Jane Doe</w:t></w:r></w:p>`+
			`<w:p><w:pPr><w:jc w:val="left"/></w:pPr><w:r><w:t>Bill &amp; costs</w:t></w:r></w:p>`)

	text, err := ExtractText(data)
	require.NoError(t, err)
	assert.Equal(t, "Claimant:\t Jane Doe\nBill & costs", text)
}

func TestExtractText_NotDocx(t *testing.T) {
	_, err := ExtractText([]byte("plain text"))
	assert.ErrorIs(t, err, ErrNotDocx)
}

func TestReplaceText_SplitRuns(t *testing.T) {
	data := buildDocx(t,
		`<w:p><w:r><w:t>Dear «Plaintiff_</w:t></w:r><w:r><w:rPr><w:b/></w:rPr><w:t>full_name»,</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t>Untouched &amp; kept</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t>Total: $0</w:t></w:r></w:p>`)

	out, err := ReplaceText(data, map[string]string{
		"«Plaintiff_full_name»": "Jane <Doe>",
		"$0":                    "$1,250.00",
	})
	require.NoError(t, err)

	text, err := ExtractText(out)
	require.NoError(t, err)
	assert.Equal(t, "Dear Jane <Doe>,\nUntouched & kept\nTotal: $1,250.00", text)
}
