package domain

import "time"

// Status is the externally visible state of a request or a product.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// LineItem is one validated row of a submitted batch.
type LineItem struct {
	SerialNumber   string   `json:"serialNumber"`
	ProductName    string   `json:"productName"`
	InputImageURLs []string `json:"inputImageUrls"`
}

// Batch is a validated submission, ready for persistence.
type Batch struct {
	Items []LineItem
}

// Request is a persisted batch and the products it owns.
type Request struct {
	ID        string
	Status    Status
	Error     string
	Products  []Product
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product is a persisted line item.
type Product struct {
	RequestID       string
	ProductName     string
	SerialNumber    string
	InputImageURLs  []string
	OutputImageURLs []string
	Status          Status
	Error           string
}
