package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	ErrConflict        = errors.New("record already exists")
	ErrProductNotFound = errors.New("product not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrBatchIncomplete = errors.New("batch has products that are not completed")
	ErrOutputMismatch  = errors.New("output image count does not match input image count")
)

// ValidationKind classifies a rejected submission.
type ValidationKind string

const (
	KindMissingColumns   ValidationKind = "missing_columns"
	KindInvalidRow       ValidationKind = "invalid_row"
	KindInvalidURL       ValidationKind = "invalid_url"
	KindDuplicateProduct ValidationKind = "duplicate_product"
	KindEmptyBatch       ValidationKind = "empty_batch"
)

// ValidationError is returned when a submitted table is rejected.
// Row is the 1-based data row that failed, or 0 for table-level errors.
type ValidationError struct {
	Kind   ValidationKind
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return e.Reason
}

// FetchError is returned when a source image cannot be retrieved.
type FetchError struct {
	Locator    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Locator, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CompressionError is returned when image bytes cannot be decoded or encoded.
type CompressionError struct {
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compress: %v", e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// ProductError attributes a processing failure to the product in progress.
type ProductError struct {
	ProductName string
	Err         error
}

func (e *ProductError) Error() string {
	return fmt.Sprintf("product %q: %v", e.ProductName, e.Err)
}

func (e *ProductError) Unwrap() error { return e.Err }
