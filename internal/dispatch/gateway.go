package dispatch

import (
	"context"
	"regexp"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// MaxBatchSize is the push gateway's hard limit on messages per call.
const MaxBatchSize = 100

// tokenRe matches the gateway's documented token shapes.
var tokenRe = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[[^\]\s]+\]$`)

// ValidToken reports whether token has a shape the gateway accepts.
func ValidToken(token string) bool {
	return tokenRe.MatchString(token)
}

// PushMessage is one element of a gateway request array.
type PushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound"`
	Priority string            `json:"priority"`
}

// Ticket is the gateway's per-message result, aligned by position with the
// request array.
type Ticket struct {
	Status  string         `json:"status"` // "ok" or "error"
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details *TicketDetails `json:"details,omitempty"`
}

// TicketDetails carries the machine-readable error code of a rejected ticket.
type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

// Gateway sends one batch of messages. An error means no per-message result
// is available and the whole batch must be treated as failed.
type Gateway interface {
	Send(ctx context.Context, messages []PushMessage) ([]Ticket, error)
}

// Gateway error codes that change how a token is classified.
const (
	codeDeviceNotRegistered = "DeviceNotRegistered"
	codeMessageRateExceeded = "MessageRateExceeded"
)

// classify maps a ticket onto a delivery outcome. Non-OK outcomes come with
// the ticket error describing them.
func classify(token string, t Ticket) (domain.DeliveryOutcome, *domain.GatewayTicketError) {
	if t.Status == "ok" {
		return domain.OutcomeOK, nil
	}
	code := ""
	if t.Details != nil {
		code = t.Details.Error
	}
	terr := &domain.GatewayTicketError{Token: token, Code: code, Message: t.Message}
	switch code {
	case codeDeviceNotRegistered:
		return domain.OutcomeInvalidToken, terr
	case codeMessageRateExceeded:
		return domain.OutcomeTransientError, terr
	default:
		return domain.OutcomePermanentError, terr
	}
}

// messagesFor builds the gateway payload for every token in a batch.
func messagesFor(alert domain.Alert, tokens []string) []PushMessage {
	body := alert.Message
	if alert.Advice != "" {
		body += "\n" + alert.Advice
	}
	data := map[string]string{
		"alertId": alert.ID,
		"level":   string(alert.Level),
		"type":    string(alert.Type),
	}
	msgs := make([]PushMessage, len(tokens))
	for i, tok := range tokens {
		msgs[i] = PushMessage{
			To:       tok,
			Title:    alert.Title,
			Body:     body,
			Data:     data,
			Sound:    "default",
			Priority: "high",
		}
	}
	return msgs
}
