package job

import (
	"encoding/json"
	"fmt"
)

// Payload kinds. Every enqueued payload carries a "kind" discriminant so
// handlers can decode exhaustively instead of trusting untyped fields.
const (
	KindDocument     = "document"
	KindPayout       = "payout"
	KindConfirmation = "confirmation"
)

// envelope is the discriminant wrapper persisted in the jobs.payload column.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// DocumentPayload asks the document handler to validate an uploaded file.
type DocumentPayload struct {
	UserID       string `json:"user_id"`
	DriverID     string `json:"driver_id"`
	DocumentID   string `json:"document_id"`
	DocumentType string `json:"document_type"`
	StorageKey   string `json:"storage_key"`
}

// PayoutPayload asks the payout handler to transfer trip earnings to a driver.
type PayoutPayload struct {
	TripID        string  `json:"trip_id"`
	DriverID      string  `json:"driver_id"`
	Amount        float64 `json:"amount"`
	BeneficiaryID string  `json:"beneficiary_id"`
	TransactionID string  `json:"transaction_id"`
}

// ConfirmationPayload asks the confirmation handler to resolve a pending
// payment against the gateway's reported status.
type ConfirmationPayload struct {
	OrderID       string  `json:"order_id"`
	BookingID     string  `json:"booking_id"`
	TripID        string  `json:"trip_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
}

// EncodePayload wraps data in a kind-tagged envelope for storage.
func EncodePayload(kind string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	b, err := json.Marshal(envelope{Kind: kind, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return b, nil
}

// PayloadKind returns the kind discriminant of a stored payload.
func PayloadKind(raw json.RawMessage) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Kind == "" {
		return "", fmt.Errorf("payload has no kind discriminant")
	}
	return env.Kind, nil
}

// DecodePayload unmarshals the payload data for the expected kind into dst.
// A kind mismatch is an error: it means a job landed on the wrong queue.
func DecodePayload(raw json.RawMessage, kind string, dst any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Kind != kind {
		return fmt.Errorf("payload kind %q, want %q", env.Kind, kind)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}
