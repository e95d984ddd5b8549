package ingestion

import (
	"strings"
)

// generalArea is the expertise area assigned when nothing in the profile
// appears in the text.
const generalArea = "general"

// annotator tags chunks with the creator's own vocabulary.
type annotator struct {
	areas      []string
	frameworks []string
}

func newAnnotator(profile *CoachProfile) annotator {
	if profile == nil {
		return annotator{}
	}
	a := annotator{areas: profile.ExpertiseAreas}
	for _, f := range profile.Frameworks {
		if f.Name != "" {
			a.frameworks = append(a.frameworks, f.Name)
		}
	}
	return a
}

// expertiseArea returns the first expertise area mentioned in text, or
// "general". Without a profile it returns "".
func (a annotator) expertiseArea(text string) string {
	if len(a.areas) == 0 {
		return ""
	}
	if m := firstMention(text, a.areas); m != "" {
		return m
	}
	return generalArea
}

// framework returns the first framework name mentioned in text, or "".
func (a annotator) framework(text string) string {
	return firstMention(text, a.frameworks)
}

func firstMention(text string, names []string) string {
	lower := strings.ToLower(text)
	for _, n := range names {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return n
		}
	}
	return ""
}
