package models

// Action is something a user asks the bot to do that may be gated.
type Action string

const (
	ActionConsultation  Action = "consultation"
	ActionFileAnalysis  Action = "file_analysis"
	ActionDocumentDraft Action = "document_draft"
	ActionCheckout      Action = "checkout"
)

// Decision is the outcome of an authorization. Consumed is set when a free-tier
// unit was taken and must be refunded if the caller cannot commit.
type Decision struct {
	Allowed  bool
	Reason   DenyReason
	Consumed bool
}
