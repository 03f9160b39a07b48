package dispatch

import (
	"strings"
	"time"
)

// History is the admission state: what was last admitted and when.
type History struct {
	LastMessage  string    `json:"last_message"`
	LastSpokenAt time.Time `json:"last_spoken_at"`
	// Spoken is false until the first admission.
	Spoken bool `json:"spoken"`
}

// Record stores an admitted message. LastSpokenAt never moves backwards.
func (h *History) Record(text string, now time.Time) {
	if h.Spoken && now.Before(h.LastSpokenAt) {
		now = h.LastSpokenAt
	}
	h.LastMessage = text
	h.LastSpokenAt = now
	h.Spoken = true
}

// Policy decides whether a message may be spoken, based on submission cadence.
type Policy struct {
	MinInterval    time.Duration
	RepeatInterval time.Duration
}

// Admit is pure: it never mutates h. Callers record the message on Admit.
func (p Policy) Admit(text string, now time.Time, h History) Decision {
	text = strings.TrimSpace(text)
	if text == "" {
		return RejectEmpty
	}
	if !h.Spoken {
		return Admit
	}
	elapsed := now.Sub(h.LastSpokenAt)
	if text == h.LastMessage {
		if elapsed < p.RepeatInterval {
			return RejectRepeat
		}
		return Admit
	}
	if elapsed < p.MinInterval {
		return RejectFrequent
	}
	return Admit
}
