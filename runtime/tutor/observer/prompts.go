package observer

import "github.com/maice-ai/maice/runtime/tutor/prompt"

// Template and setting names the agent renders with.
const (
	templateSummarize = "summarize"
	templateDigest    = "digest"

	settingNotesFormat  = "notes_format"
	settingDigestFormat = "digest_format"
)

const summarizeSystem = `You observe one exchange between MAICE, a math tutor for Korean high-school students, and a student, and write study notes for the student's records.

Respond with exactly one JSON object:
{{.Format}}

title: Korean, at most 50 characters, naming the topic of the exchange.
summary: Korean, at most 500 characters, covering what was asked and what was explained.
key_concepts: the curriculum concepts the exchange touched. Prefer these tags when one fits: {{.Tags}}
student_progress: one Korean sentence on where the student stands with this topic.`

const summarizeUser = `{{if .Context}}Conversation so far:
{{.Context}}

{{end}}Student question:
{{.Question}}

Tutor answer:
{{.Answer}}`

const digestSystem = `You maintain the rolling summary of a long tutoring conversation between MAICE and a Korean high-school math student. Fold the older exchanges into the current summary so no topic the student worked on is lost. Keep the result in Korean and under 500 characters.

Respond with exactly one JSON object:
{{.Format}}`

const digestUser = `{{if .Existing}}Current summary:
{{.Existing}}

{{end}}Older exchanges:
{{.Turns}}`

const notesFormat = `{
  "title": "...",
  "summary": "...",
  "key_concepts": ["..."],
  "student_progress": "..."
}`

const digestFormat = `{
  "summary": "..."
}`

// Defaults is the built-in prompt configuration. A YAML file given to the
// agent overlays it section by section.
func Defaults() prompt.Config {
	return prompt.Config{
		Templates: map[string]prompt.Template{
			templateSummarize: {System: summarizeSystem, User: summarizeUser},
			templateDigest:    {System: digestSystem, User: digestUser},
		},
		Settings: map[string]string{
			settingNotesFormat:  notesFormat,
			settingDigestFormat: digestFormat,
		},
	}
}
