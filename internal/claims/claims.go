// Package claims maps the free-form data returned by extraction onto one
// canonical claim record.
package claims

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ClaimData is the canonical shape of an insurance claim.
type ClaimData struct {
	ClaimantName     string   `json:"claimantName"`
	InsuredName      string   `json:"insuredName"`
	Providers        []string `json:"providers"`
	DatesOfService   []string `json:"datesOfService"`
	ClaimNumber      string   `json:"claimNumber"`
	MatterNumber     string   `json:"matterNumber"`
	InsuranceCompany string   `json:"insuranceCompany"`
	BillAmount       float64  `json:"billAmount"`
	Injuries         []string `json:"injuries"`
	Treatments       []string `json:"treatments"`
}

// Provider returns the first listed provider, or "".
func (c ClaimData) Provider() string {
	if len(c.Providers) == 0 {
		return ""
	}
	return c.Providers[0]
}

// Map returns the claim keyed by its JSON field names. List fields are never nil.
func (c ClaimData) Map() map[string]interface{} {
	return map[string]interface{}{
		"claimantName":     c.ClaimantName,
		"insuredName":      c.InsuredName,
		"providers":        nonNil(c.Providers),
		"datesOfService":   nonNil(c.DatesOfService),
		"claimNumber":      c.ClaimNumber,
		"matterNumber":     c.MatterNumber,
		"insuranceCompany": c.InsuranceCompany,
		"billAmount":       c.BillAmount,
		"injuries":         nonNil(c.Injuries),
		"treatments":       nonNil(c.Treatments),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Aliases are normalized key paths: lower case, separators removed, nested
// keys joined with ".". The first alias present wins.
var (
	claimantAliases   = []string{"claimantname", "claimant", "claimantinfo.name", "patient.name", "patientname", "plaintiffname", "plaintiff"}
	insuredAliases    = []string{"insuredname", "insured", "accidentdetails.insuredname", "insuredinfo.name", "policyholder"}
	providerAliases   = []string{"provider", "providers", "providername", "medicalproviders", "clinic", "clinicname", "facility"}
	datesAliases      = []string{"datesofservice", "dateofservice", "servicedates", "servicedaterange", "accidentdetails.servicedaterange", "accidentdetails.datesofservice"}
	claimNumAliases   = []string{"claimnumber", "claimno", "claimid", "accidentdetails.claimnumber", "insurance.claimnumber"}
	matterAliases     = []string{"matternumber", "accidentdetails.matternumber"}
	insurerAliases    = []string{"insurancecompany", "insurer", "insurancecarrier", "accidentdetails.insurancecompany", "insurance.company", "insurance.name"}
	amountAliases     = []string{"billamount", "totalbillamount", "totalamount", "amountbilled", "totalcharges", "medicalexpenses"}
	injuriesAliases   = []string{"injuries", "injury", "accidentdetails.injuries"}
	treatmentsAliases = []string{"treatments", "treatment", "treatmentdetails"}
)

// Normalize reads the known shapes of extracted data into a ClaimData.
// Keys match regardless of case, spaces, underscores and hyphens, so
// "Claimant Name", "claimant_name" and "claimantName" are the same field.
func Normalize(data map[string]interface{}) ClaimData {
	flat := make(map[string]interface{})
	flatten("", data, flat)

	return ClaimData{
		ClaimantName:     firstString(flat, claimantAliases),
		InsuredName:      firstString(flat, insuredAliases),
		Providers:        firstList(flat, providerAliases),
		DatesOfService:   firstList(flat, datesAliases),
		ClaimNumber:      firstString(flat, claimNumAliases),
		MatterNumber:     firstString(flat, matterAliases),
		InsuranceCompany: firstString(flat, insurerAliases),
		BillAmount:       firstAmount(flat, amountAliases),
		Injuries:         firstList(flat, injuriesAliases),
		Treatments:       firstList(flat, treatmentsAliases),
	}
}

func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		switch r {
		case ' ', '_', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// flatten records every value under its normalized path, nested maps included.
// Earlier keys win when two raw keys normalize to the same path.
func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := normalizeKey(k)
		if prefix != "" {
			path = prefix + "." + path
		}
		v := m[k]
		if _, seen := out[path]; !seen {
			out[path] = v
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(path, nested, out)
		}
	}
}

func firstString(flat map[string]interface{}, aliases []string) string {
	for _, a := range aliases {
		if s := toString(flat[a]); s != "" {
			return s
		}
	}
	return ""
}

func firstList(flat map[string]interface{}, aliases []string) []string {
	for _, a := range aliases {
		if l := toList(flat[a]); len(l) > 0 {
			return l
		}
	}
	return nil
}

func firstAmount(flat map[string]interface{}, aliases []string) float64 {
	for _, a := range aliases {
		if amount, ok := toAmount(flat[a]); ok {
			return amount
		}
	}
	return 0
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return ""
	case map[string]interface{}:
		return toString(t["name"])
	case []interface{}:
		return strings.Join(toList(t), ", ")
	default:
		return fmt.Sprint(t)
	}
}

// toList accepts a list, a single value, or a list of objects with a name.
func toList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := toString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		if s := toString(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

// toAmount understands numbers, money strings such as "$1,250.00", and a list
// of expense objects whose amounts are summed.
func toAmount(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		return parseMoney(t)
	case map[string]interface{}:
		return toAmount(t["amount"])
	case []interface{}:
		var sum float64
		found := false
		for _, item := range t {
			if amount, ok := toAmount(item); ok {
				sum += amount
				found = true
			}
		}
		return sum, found
	}
	return 0, false
}

func parseMoney(s string) (float64, bool) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "", "USD", "").Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
