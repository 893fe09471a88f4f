package birthday

import (
	"sort"
	"strings"
)

const (
	// NameToken is replaced with the list of celebrated members.
	NameToken = "%n"

	DefaultAnnounce       = "Please wish " + NameToken + " a happy birthday!"
	DefaultAnnouncePlural = "Please wish a happy birthday to our esteemed members: " + NameToken
)

// Celebrant is one member named in an announcement.
type Celebrant struct {
	DisplayName string
	Mention     string
}

// ComposeAnnouncement renders the announcement for celebrants.
//
// One celebrant uses singular, several use plural; an empty template falls back to the
// other one and then to the built-in default. Names are sorted case-insensitively and
// joined with ", ". With ping set, mentions replace display names.
func ComposeAnnouncement(singular, plural string, celebrants []Celebrant, ping bool) string {
	if len(celebrants) == 0 {
		return ""
	}
	tmpl := pickTemplate(singular, plural, len(celebrants))
	if !strings.Contains(tmpl, NameToken) {
		tmpl += " " + NameToken
	}

	sorted := make([]Celebrant, len(celebrants))
	copy(sorted, celebrants)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := strings.ToLower(sorted[i].DisplayName), strings.ToLower(sorted[j].DisplayName)
		if a != b {
			return a < b
		}
		return sorted[i].DisplayName < sorted[j].DisplayName
	})

	names := make([]string, len(sorted))
	for i, c := range sorted {
		if ping && c.Mention != "" {
			names[i] = c.Mention
		} else {
			names[i] = c.DisplayName
		}
	}
	return strings.ReplaceAll(tmpl, NameToken, strings.Join(names, ", "))
}

func pickTemplate(singular, plural string, n int) string {
	singular, plural = strings.TrimSpace(singular), strings.TrimSpace(plural)
	if n > 1 {
		switch {
		case plural != "":
			return plural
		case singular != "":
			return singular
		default:
			return DefaultAnnouncePlural
		}
	}
	switch {
	case singular != "":
		return singular
	case plural != "":
		return plural
	default:
		return DefaultAnnounce
	}
}
