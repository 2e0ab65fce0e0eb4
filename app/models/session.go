package models

import "time"

// Session is the persisted dialog state of one user. An empty FlowID means idle.
type Session struct {
	UserID       string            `json:"user_id"`
	FlowID       string            `json:"flow_id,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	Step         int               `json:"step"`
	Fields       map[string]string `json:"fields,omitempty"`
	Pending      *PendingCall      `json:"pending,omitempty"`
	LastActivity time.Time         `json:"last_activity"`
	Version      int64             `json:"version"`
	Receipts     []Receipt         `json:"receipts,omitempty"`
}

// PendingCall marks a step that is waiting for an oracle answer.
type PendingCall struct {
	ID        string    `json:"id"`
	Step      int       `json:"step"`
	StartedAt time.Time `json:"started_at"`
}

// Receipt remembers the response produced for an event so a redelivery can be answered verbatim.
type Receipt struct {
	EventID  string   `json:"event_id"`
	Response Response `json:"response"`
}

func NewSession(userID string) *Session {
	return &Session{UserID: userID, Fields: map[string]string{}}
}

func (s *Session) Idle() bool {
	return s.FlowID == ""
}

// Start puts the session at the first step of a fresh run, dropping whatever was active.
func (s *Session) Start(flowID, runID string, now time.Time) {
	s.FlowID = flowID
	s.RunID = runID
	s.Step = 0
	s.Fields = map[string]string{}
	s.Pending = nil
	s.LastActivity = now
}

// Reset returns the session to idle. Receipts survive so redeliveries are still recognised.
func (s *Session) Reset(now time.Time) {
	s.FlowID = ""
	s.RunID = ""
	s.Step = 0
	s.Fields = map[string]string{}
	s.Pending = nil
	s.LastActivity = now
}

func (s *Session) Receipt(eventID string) (Response, bool) {
	if eventID == "" {
		return Response{}, false
	}
	for _, r := range s.Receipts {
		if r.EventID == eventID {
			return r.Response, true
		}
	}
	return Response{}, false
}

// Remember stores the response for eventID keeping at most max receipts.
func (s *Session) Remember(eventID string, response Response, max int) {
	if eventID == "" || max <= 0 {
		return
	}
	s.Receipts = append(s.Receipts, Receipt{EventID: eventID, Response: response})
	if len(s.Receipts) > max {
		s.Receipts = s.Receipts[len(s.Receipts)-max:]
	}
}

// Clone returns a deep copy so callers can mutate without touching the loaded value.
func (s *Session) Clone() *Session {
	c := *s
	c.Fields = make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	c.Receipts = append([]Receipt(nil), s.Receipts...)
	return &c
}
