package ai

import (
	"fmt"
	"strings"
	"text/template"
)

const (
	TemplateConsultation = "consultation"
	TemplateDocument     = "document"
	TemplateFileAnalysis = "file_analysis"
)

// FileField holds the extracted text of an uploaded file, FileNameField its name.
const (
	FileField     = "file"
	FileNameField = "file_name"
)

var documentInstructions = map[string]string{
	"contract":          "a contract. Include subject, price and payment terms, rights and obligations of the parties, liability, dispute resolution and requisites.",
	"order":             "an internal order of an organisation. Include number and date placeholders, the grounds, the ordering clauses, the responsible persons and the signature of the head.",
	"claim":             "a statement of claim to court. Include court name placeholder, parties, circumstances, legal grounds, claims and list of attachments.",
	"pretense":          "a pre-trial claim. Include the breach, the demand, the deadline for voluntary settlement and the consequences of refusal.",
	"power_of_attorney": "a power of attorney. Include principal, representative, exact list of powers, term and signature block.",
	"complaint":         "a complaint to a state authority. Include the addressee, facts, violated rights and the requested measures.",
	"application":       "an application. Include the addressee, applicant, the request and supporting facts.",
	"act":               "an acceptance act. Include the underlying agreement, what was delivered or performed, absence or list of claims, signatures.",
	"receipt":           "a receipt for money or property. Include who received what from whom, the amount in figures and words, date and signature.",
	"protocol":          "minutes of a meeting. Include date and place, attendees and quorum, agenda, the discussion and the decisions taken on each item, signatures of the chair and the secretary.",
	"letter":            "an official business letter. Include addressee, subject, body and closing.",
	"report":            "a report (memorandum) to a manager. Include the addressee, the period or subject, the facts established, conclusions and proposals.",
}

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"document": func(kind string) string {
		if text, ok := documentInstructions[kind]; ok {
			return text
		}
		return "the requested legal document."
	},
}).Parse(`
{{define "consultation"}}The user asks for a legal consultation.

Question:
{{.question}}{{end}}

{{define "document"}}Draft {{document .document_type}}

Parties:
{{.parties}}

Essential terms and facts:
{{.details}}

Return only the document text, ready to be filled in and signed. Mark missing data with [brackets].{{end}}

{{define "file_analysis"}}Analyse the document above{{with .file_name}} ({{.}}){{end}} and answer the user's request.

Request:
{{.question}}

Point out risks, unclear wording and missing clauses.{{end}}
`))

// Render builds the prompt for the named template from the collected flow
// fields. The second result is supporting context to send alongside it.
func Render(name string, fields map[string]string) (string, string, error) {
	if prompts.Lookup(name) == nil {
		return "", "", fmt.Errorf("Render: unknown template %q", name)
	}
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, fields); err != nil {
		return "", "", fmt.Errorf("Render: %w", err)
	}
	supporting := ""
	if name == TemplateFileAnalysis {
		supporting = fields[FileField]
	}
	return strings.TrimSpace(b.String()), supporting, nil
}
