package prompts

import "strings"

// ============================================================================
// Claim fields
// ============================================================================

// ClaimFields lists the fields the extraction prompts ask the model for.
var ClaimFields = []string{
	"Claimant Name",
	"Insured Name",
	"Provider",
	"Dates of Service",
	"Claim Number",
	"Bill Amount",
	"Injuries",
	"Treatments",
	"Insurance Company",
}

// ============================================================================
// Extraction Prompts
// ============================================================================

// ExtractionSystemPrompt pins the model to JSON output for every extraction call.
const ExtractionSystemPrompt = `You extract structured legal and insurance claim data from documents. Answer with a single JSON object and nothing else.`

// ImageExtractionPrompt accompanies every page image.
var ImageExtractionPrompt = "Extract structured legal data such as:\n" +
	bulletList(ClaimFields) +
	"\nReturn the data in JSON format only."

// TextExtractionPrompt wraps the raw text of a word document.
func TextExtractionPrompt(text string) string {
	return "Extract structured legal data from the following text:\n\n" +
		text +
		"\n\nReturn the result in JSON format."
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return b.String()
}
