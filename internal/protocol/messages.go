package protocol

import "time"

// VoicesRequest asks a provider (or this service) for the voice catalog.
type VoicesRequest struct {
	RequestID string `json:"request_id"`
	Locale    string `json:"locale,omitempty"`
}

// UpdateReply answers a catalog update request.
type UpdateReply struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
}

// CatalogUpdated is broadcast whenever the in-memory catalog is replaced.
type CatalogUpdated struct {
	Voices    int       `json:"voices"`
	Names     []string  `json:"names"`
	Locales   []string  `json:"locales"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectCatalogGet     = "voices.catalog.get"
	SubjectCatalogUpdate  = "voices.catalog.update"
	SubjectCatalogUpdated = "voices.catalog.updated"

	// HeaderError carries a failure description on a reply whose body is empty.
	HeaderError = "Loqa-Error"
)
