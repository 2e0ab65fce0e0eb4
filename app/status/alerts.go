package status

import "context"

// Alerter delivers a message to operators.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Alerters fans a message out to every configured channel.
type Alerters []Alerter

func (a Alerters) Alert(ctx context.Context, text string) {
	for _, alerter := range a {
		if alerter != nil {
			alerter.Alert(ctx, text)
		}
	}
}
