package claims

import "strings"

var pipClinics = []string{
	"quantum chiropractic", "total injury", "good health medical",
	"naples family health", "advanced wellness", "a1 medical",
	"441 chiropractic", "pompano beach healing", "brofsky accident",
	"renewed health", "grassam family", "spine & extremity",
	"flex medical", "med plus", "bentin", "tropical chiropractic",
	"mohammad t. javed", "florida orthopedic", "shree mri", "revive chiropractic",
	"tamarac chiropractic", "sunlight chiropractic", "dr. craig selinger",
	"margate medical", "napoli chiropractic", "behnam meyers", "glenn v. quintana",
	"advanced orthopedics", "amos", "gady abramson", "back to mind", "premier wellness",
}

// IsPIPClinic reports whether the provider name contains a known PIP clinic.
func IsPIPClinic(provider string) bool {
	name := strings.ToLower(provider)
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, clinic := range pipClinics {
		if strings.Contains(name, clinic) {
			return true
		}
	}
	return false
}
