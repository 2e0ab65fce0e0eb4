package models

import "time"

type EventKind string

const (
	EventText          EventKind = "text"
	EventFile          EventKind = "file"
	EventButton        EventKind = "button"
	EventPaymentStatus EventKind = "payment_status"
)

// Event is one inbound message from a transport or the payment processor.
// Only the payload matching Kind is set.
type Event struct {
	ID        string
	UserID    string
	Kind      EventKind
	Text      string
	Button    string
	File      *File
	Payment   *PaymentUpdate
	Timestamp time.Time
}

type File struct {
	Name string
	Data []byte
}

type PaymentUpdate struct {
	Reference string
	Status    PaymentStatus
}

type ResponseKind string

const (
	ResponsePrompt     ResponseKind = "prompt"
	ResponseProcessing ResponseKind = "processing"
	ResponseResult     ResponseKind = "result"
	ResponseNotice     ResponseKind = "notice"
	ResponseDenied     ResponseKind = "denied"
	ResponseFailure    ResponseKind = "failure"
	ResponseNone       ResponseKind = "none"
)

// Response is what the transport renders back to the user.
type Response struct {
	Kind    ResponseKind `json:"kind"`
	Text    string       `json:"text,omitempty"`
	Notice  string       `json:"notice,omitempty"`
	Reason  DenyReason   `json:"reason,omitempty"`
	Buttons [][]Button   `json:"buttons,omitempty"`
}

type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Empty reports whether there is nothing to send.
func (r Response) Empty() bool {
	return r.Kind == ResponseNone || (r.Text == "" && r.Notice == "" && len(r.Buttons) == 0)
}

type DenyReason string

const (
	DenyNeedsSubscription DenyReason = "needs_subscription"
	DenyQuotaExhausted    DenyReason = "quota_exhausted"
	DenyTermsNotAccepted  DenyReason = "terms_not_accepted"
	DenyAccountDisabled   DenyReason = "account_disabled"
)

// Button payloads understood by the engine. Parameterised ones carry a value after the colon.
const (
	ButtonMenu          = "menu"
	ButtonCancel        = "cancel"
	ButtonAcceptTerms   = "accept_terms"
	ButtonHistory       = "history"
	ButtonHistoryClear  = "history_clear"
	ButtonDisable       = "disable_account"
	ButtonRetry         = "retry"
	ButtonStartPrefix   = "start:"
	ButtonChoicePrefix  = "choice:"
	ButtonHistoryOpen   = "history_open:"
	ButtonHistoryDelete = "history_delete:"
	ButtonRatePrefix    = "rate:"
)
