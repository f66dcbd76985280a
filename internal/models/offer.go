package models

// Message types exchanged with subscribers.
const (
	TypeServiceOffer     = "service_offer"
	TypeReceiptRequest   = "receipt_request"
	TypeReceiptProcessed = "receipt_processed"
	TypeProcessingError  = "processing_error"
)

// ServiceReceiptProcessing is the service advertised in every offer.
const ServiceReceiptProcessing = "receipt_processing"

// Offer is the document signed and posted to {recipient}/offers.
type Offer struct {
	Type         string          `json:"type"`
	OfferID      string          `json:"offer_id"`
	Service      string          `json:"service"`
	Capabilities map[string]bool `json:"capabilities"`
	Timestamp    string          `json:"timestamp"`
	Provider     string          `json:"provider"`
}

// DefaultCapabilities lists the operations this provider supports.
func DefaultCapabilities() map[string]bool {
	return map[string]bool{
		"receipt_analysis": true,
		"data_processing":  true,
		"data_storage":     true,
	}
}

// WorkRequest is a subscriber's immediate reply to an offer.
type WorkRequest struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url"`
	RequestID   string `json:"request_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// IsWork reports whether the reply asks for fulfillment.
func (r *WorkRequest) IsWork() bool {
	return r != nil && r.Type == TypeReceiptRequest
}

// WorkResult is the structured output of the processing pipeline.
type WorkResult map[string]any

// WorkError is the document reported when fulfillment fails.
type WorkError struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
	Provider  string `json:"provider"`
	Stage     string `json:"stage,omitempty"`
	Error     string `json:"error"`
}
