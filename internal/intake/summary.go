package intake

import (
	"fmt"
	"strings"
)

// Fixed report text.
const (
	SummaryTitle         = "Symptom Analysis Summary"
	HeadingSymptoms      = "Primary Symptoms:"
	HeadingAssessment    = "Preliminary Assessment:"
	HeadingRecommend     = "Recommendations:"
	AssessmentBase       = "Based on the symptoms you've described, this could be related to several conditions."
	ViralInfectionClause = "The combination of fever and headache suggests a possible viral infection or flu."
	DisclaimerText       = "Important: This analysis is for informational purposes only and does not replace professional medical diagnosis. Please consult with a healthcare provider for proper evaluation and treatment."
)

var recommendations = []string{
	"Rest and stay hydrated",
	"Monitor your symptoms",
	"Seek medical attention if symptoms worsen",
	"Contact emergency services if you experience severe symptoms",
}

// keywordRule appends clause to the assessment when any recorded symptom
// contains one of keywords, compared case-insensitively as a plain substring.
type keywordRule struct {
	keywords []string
	clause   string
}

// keywordRules is the complete list of conditional assessment clauses.
//
//	fever | headache -> ViralInfectionClause
var keywordRules = []keywordRule{
	{keywords: []string{"fever", "headache"}, clause: ViralInfectionClause},
}

// LineKind tells the renderer how to present a line.
type LineKind string

const (
	LineText     LineKind = "text"
	LineNumbered LineKind = "numbered"
	LineBullet   LineKind = "bullet"
)

type Line struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

type Section struct {
	Heading string `json:"heading"`
	Lines   []Line `json:"lines"`
}

// Summary is the structured report produced at the end of the script.
type Summary struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	Warning  string    `json:"warning"`
}

// Generate builds the report for records. It never fails and returns the
// same Summary for the same records.
func Generate(records []SymptomRecord) Summary {
	symptoms := Section{Heading: HeadingSymptoms}
	for i, r := range records {
		symptoms.Lines = append(symptoms.Lines, Line{
			Kind: LineNumbered,
			Text: fmt.Sprintf("%d. %s (Severity: %s, Duration: %s)", i+1, r.Symptom, r.Severity, r.Duration),
		})
	}

	assessment := Section{Heading: HeadingAssessment, Lines: []Line{{Kind: LineText, Text: AssessmentBase}}}
	for _, rule := range keywordRules {
		if rule.matches(records) {
			assessment.Lines = append(assessment.Lines, Line{Kind: LineText, Text: rule.clause})
		}
	}

	recommend := Section{Heading: HeadingRecommend}
	for _, r := range recommendations {
		recommend.Lines = append(recommend.Lines, Line{Kind: LineBullet, Text: r})
	}

	return Summary{
		Title:    SummaryTitle,
		Sections: []Section{symptoms, assessment, recommend},
		Warning:  DisclaimerText,
	}
}

func (r keywordRule) matches(records []SymptomRecord) bool {
	for _, rec := range records {
		symptom := strings.ToLower(rec.Symptom)
		for _, kw := range r.keywords {
			if strings.Contains(symptom, kw) {
				return true
			}
		}
	}
	return false
}

// Contains reports whether any line of the summary equals text.
func (s Summary) Contains(text string) bool {
	for _, sec := range s.Sections {
		for _, l := range sec.Lines {
			if l.Text == text {
				return true
			}
		}
	}
	return false
}

// Markdown renders the summary with the lightweight markup the portal UI
// understands: "##" title, bold headings, "•" bullets and a "⚠️" callout.
// Consecutive text lines of a section are joined into one paragraph.
func (s Summary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", s.Title)
	for _, sec := range s.Sections {
		fmt.Fprintf(&b, "\n**%s**\n", sec.Heading)
		var para []string
		flush := func() {
			if len(para) > 0 {
				b.WriteString(strings.Join(para, " "))
				b.WriteByte('\n')
				para = para[:0]
			}
		}
		for _, l := range sec.Lines {
			switch l.Kind {
			case LineText:
				para = append(para, l.Text)
			case LineBullet:
				flush()
				fmt.Fprintf(&b, "• %s\n", l.Text)
			default:
				flush()
				b.WriteString(l.Text)
				b.WriteByte('\n')
			}
		}
		flush()
	}
	if s.Warning != "" {
		fmt.Fprintf(&b, "\n**⚠️ %s**", s.Warning)
	}
	return b.String()
}
