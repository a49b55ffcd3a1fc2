package domain

import (
	"path/filepath"
	"strings"
)

// JobKind names the work a queued task asks for.
type JobKind string

const (
	KindAnalyzeDocument JobKind = "analyze-document"
	KindReanalyzeImages JobKind = "reanalyze-images"
)

// Valid reports whether the worker knows how to dispatch k.
func (k JobKind) Valid() bool {
	return k == KindAnalyzeDocument || k == KindReanalyzeImages
}

// AnalyzeDocumentPayload references an uploaded file to analyze.
type AnalyzeDocumentPayload struct {
	UserID     string `json:"userId"`
	FilePath   string `json:"filePath"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	DocumentID string `json:"documentId"`
}

// ReanalyzeImagesPayload asks for extraction over the cached pages of a document.
type ReanalyzeImagesPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// FileFormat is the extraction branch a file is routed to.
type FileFormat string

const (
	FormatPDF   FileFormat = "pdf"
	FormatDOCX  FileFormat = "docx"
	FormatImage FileFormat = "image"
)

var formatsByExt = map[string]FileFormat{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".png":  FormatImage,
	".webp": FormatImage,
}

// FormatOf classifies a file name by its extension, case-insensitively.
// Unsupported extensions return ErrUnsupportedFileType wrapped as an input error.
func FormatOf(fileName string) (FileFormat, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if f, ok := formatsByExt[ext]; ok {
		return f, nil
	}
	return "", NewInputError("unsupported file type "+quoteExt(ext), ErrUnsupportedFileType)
}

func quoteExt(ext string) string {
	if ext == "" {
		return "(none)"
	}
	return `"` + ext + `"`
}
