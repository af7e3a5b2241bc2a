package semantic

import (
	"strings"

	"golang.org/x/text/language"
)

// IsEnglish reports whether a detected-language label means English. The
// provider may answer with a name ("English") or a tag ("en", "en-GB").
func IsEnglish(label string) bool {
	label = strings.TrimSpace(label)
	if label == "" {
		return false
	}
	if strings.EqualFold(label, "english") {
		return true
	}
	tag, err := language.Parse(label)
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	return base.String() == "en"
}
