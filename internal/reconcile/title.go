package reconcile

import (
	"regexp"
	"strings"

	"github.com/rezendedigital02/dash/internal/appointment"
)

const (
	// PlaceholderName is used when nothing is left of a title after the
	// category keyword is removed.
	PlaceholderName = "Paciente (importado)"

	defaultTitle = "Consulta"
	separators   = "-:–—|/ \t"
)

// TitleParser recovers an appointment kind and subject name from an
// external event title. Parsing never fails; unknown titles fall back to a
// default kind and the whole title (or a placeholder) as the name.
type TitleParser interface {
	Parse(title string) (appointment.Kind, string)
}

type KeywordPattern struct {
	Pattern *regexp.Regexp
	Kind    appointment.Kind
}

// KeywordParser tries Patterns in order; the first match sets the kind and
// is cut out of the title.
type KeywordParser struct {
	Patterns []KeywordPattern
	Default  appointment.Kind
}

// DefaultTitleParser knows the clinic's Portuguese category names.
func DefaultTitleParser() *KeywordParser {
	return &KeywordParser{
		Patterns: []KeywordPattern{
			{regexp.MustCompile(`(?i)consulta`), appointment.KindConsultation},
			{regexp.MustCompile(`(?i)retorno`), appointment.KindFollowUp},
			{regexp.MustCompile(`(?i)procedimento`), appointment.KindProcedure},
			{regexp.MustCompile(`(?i)avalia[çc][ãa]o`), appointment.KindAssessment},
			{regexp.MustCompile(`(?i)emerg[êe]ncia`), appointment.KindEmergency},
		},
		Default: appointment.KindConsultation,
	}
}

func (p *KeywordParser) Parse(title string) (appointment.Kind, string) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}

	kind := p.Default
	name := title
	for _, kp := range p.Patterns {
		loc := kp.Pattern.FindStringIndex(title)
		if loc == nil {
			continue
		}
		kind = kp.Kind
		name = title[:loc[0]] + " " + title[loc[1]:]
		break
	}

	name = strings.Join(strings.Fields(strings.Trim(name, separators)), " ")
	if name == "" {
		name = PlaceholderName
	}
	return kind, name
}
