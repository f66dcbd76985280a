package models

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus is the lifecycle state reported by the registry.
type SubscriptionStatus string

const (
	StatusActive       SubscriptionStatus = "active"
	StatusInactive     SubscriptionStatus = "inactive"
	StatusExpired      SubscriptionStatus = "expired"
	StatusExpiringSoon SubscriptionStatus = "expiring_soon"
)

// Subscriber is one subscription to this provider, as reported for a single poll cycle.
type Subscriber struct {
	Address         string             `json:"subscriber"`
	SubscriptionPDA string             `json:"subscriptionPDA,omitempty"`
	RecipientURL    string             `json:"recipient"`
	Status          SubscriptionStatus `json:"status"`
	EndTime         int64              `json:"endTime"` // unix seconds
}

// IsActive reports whether offers should be made to the subscriber.
func (s Subscriber) IsActive() bool {
	return s.Status == StatusActive
}

// Ends returns the subscription end time.
func (s Subscriber) Ends() time.Time {
	return time.Unix(s.EndTime, 0)
}

// subscriberWire accepts both the nested adapter shape and the flat SDK shape.
type subscriberWire struct {
	Subscriber      string             `json:"subscriber"`
	Address         string             `json:"address"`
	SubscriptionPDA string             `json:"subscriptionPDA"`
	PDA             string             `json:"subscription_pda"`
	Status          SubscriptionStatus `json:"status"`
	Recipient       string             `json:"recipient"`
	EndTime         int64              `json:"endTime"`
	EndTimeSnake    int64              `json:"end_time"`
	Subscription    *struct {
		Recipient string `json:"recipient"`
		EndTime   int64  `json:"endTime"`
	} `json:"subscription"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Subscriber) UnmarshalJSON(b []byte) error {
	var w subscriberWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*s = Subscriber{
		Address:         firstNonEmpty(w.Subscriber, w.Address),
		SubscriptionPDA: firstNonEmpty(w.SubscriptionPDA, w.PDA),
		RecipientURL:    w.Recipient,
		Status:          w.Status,
		EndTime:         w.EndTime,
	}
	if s.EndTime == 0 {
		s.EndTime = w.EndTimeSnake
	}
	if w.Subscription != nil {
		if w.Subscription.Recipient != "" {
			s.RecipientURL = w.Subscription.Recipient
		}
		if w.Subscription.EndTime != 0 {
			s.EndTime = w.Subscription.EndTime
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
