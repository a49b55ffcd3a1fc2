// Package letter fills the demand-letter templates from a normalized claim.
package letter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/claimflow/internal/claims"
	"github.com/timmy/claimflow/internal/docx"
)

const (
	StandardTemplate = "1.0_LETTER_TEMPLATE.docx"
	PIPTemplate      = "2.0_letter_template.docx"
)

// ErrTemplateNotFound is returned when the template file is missing.
var ErrTemplateNotFound = errors.New("letter template not found")

// Letter is a template choice plus the text to substitute into it.
type Letter struct {
	Template     string
	Replacements map[string]string
}

// Build picks the template and the placeholder values for a claim. Claims
// from a PIP clinic use the PIP template.
func Build(claim claims.ClaimData, now time.Time) Letter {
	template := StandardTemplate
	if claims.IsPIPClinic(claim.Provider()) {
		template = PIPTemplate
	}

	matter := claim.MatterNumber
	if matter == "" {
		matter = fmt.Sprintf("AUTO-GEN-%d", now.UnixMilli())
	}

	return Letter{
		Template: template,
		Replacements: map[string]string{
			"«current_date_long»":                   now.Format("January 2, 2006"),
			"«Plaintiff_full_name»":                 claim.ClaimantName,
			"«Defendant_Insurance_Co_insured»":      claim.InsuredName,
			"«Clinic_company_sk»":                   claim.Provider(),
			"«Defendant_Insurance_Co_claim_number»": claim.ClaimNumber,
			"«matter_number»":                       matter,
			"«Defendant_Insurance_Co_company_sk»":   claim.InsuranceCompany,
			"«service_date_range»":                  strings.Join(claim.DatesOfService, " - "),
			"$0":                                    fmt.Sprintf("$%.2f", claim.BillAmount),
		},
	}
}

// Renderer loads templates from a directory.
type Renderer struct {
	dir string
}

func NewRenderer(templatesDir string) *Renderer {
	return &Renderer{dir: templatesDir}
}

// Render returns the filled .docx.
func (r *Renderer) Render(l Letter) ([]byte, error) {
	path := filepath.Join(r.dir, l.Template)
	tmpl, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	out, err := docx.ReplaceText(tmpl, l.Replacements)
	if err != nil {
		return nil, fmt.Errorf("fill template %s: %w", l.Template, err)
	}
	return out, nil
}
