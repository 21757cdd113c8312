package domain

import (
	"fmt"
	"strings"
)

// Required column names of a submitted table.
const (
	ColumnSerialNumber = "S. No."
	ColumnProductName  = "Product Name"
	ColumnInputURLs    = "Input Image Urls"
)

const (
	reasonMissingColumns = "Invalid CSV format: Missing required columns (S. No., Product Name, Input Image Urls)."
	reasonMissingData    = "Invalid row format: Missing data in one or more required fields."
	reasonInvalidURL     = "Invalid input: One or more image URLs are not valid."
	reasonEmptyBatch     = "Invalid CSV format: No product rows."
)

// ValidateBatch checks a submitted table and returns the line items it
// describes. The error, if any, is a *ValidationError. Once a row is
// rejected no later row is materialized.
func ValidateBatch(t *Table) (*Batch, error) {
	for _, col := range []string{ColumnSerialNumber, ColumnProductName, ColumnInputURLs} {
		if !t.HasColumn(col) {
			return nil, &ValidationError{Kind: KindMissingColumns, Reason: reasonMissingColumns}
		}
	}

	var (
		items   []LineItem
		invalid *ValidationError
		seen    = make(map[string]struct{}, len(t.Rows))
	)
	for i, row := range t.Rows {
		if invalid != nil {
			continue
		}
		invalid = validateRow(i+1, row, seen)
		if invalid != nil {
			continue
		}
		items = append(items, LineItem{
			SerialNumber:   row[ColumnSerialNumber],
			ProductName:    row[ColumnProductName],
			InputImageURLs: strings.Split(row[ColumnInputURLs], ","),
		})
	}

	if invalid != nil {
		return nil, invalid
	}
	if len(items) == 0 {
		return nil, &ValidationError{Kind: KindEmptyBatch, Reason: reasonEmptyBatch}
	}
	return &Batch{Items: items}, nil
}

func validateRow(n int, row map[string]string, seen map[string]struct{}) *ValidationError {
	serial, name, urls := row[ColumnSerialNumber], row[ColumnProductName], row[ColumnInputURLs]
	if serial == "" || name == "" || urls == "" {
		return &ValidationError{Kind: KindInvalidRow, Row: n, Reason: reasonMissingData}
	}
	if !ValidLocatorList(urls) {
		return &ValidationError{Kind: KindInvalidURL, Row: n, Reason: reasonInvalidURL}
	}
	if _, dup := seen[name]; dup {
		return &ValidationError{
			Kind:   KindDuplicateProduct,
			Row:    n,
			Reason: fmt.Sprintf("Invalid input: Duplicate product name %q.", name),
		}
	}
	seen[name] = struct{}{}
	return nil
}
