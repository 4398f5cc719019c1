package domain

import (
	"bytes"
	"time"
)

type Product struct {
	ID          string // caller supplied, e.g. a UPC; immutable once created
	Name        string
	Description string
	Image       []byte // opaque blob
	CreatedAt   time.Time
	LastUpdated time.Time
}

// ChangedFields reports which observable fields differ between two revisions of a product.
func ChangedFields(old, updated Product) FieldSet {
	var fields FieldSet
	if old.Name != updated.Name {
		fields = fields.With(FieldName)
	}
	if old.Description != updated.Description {
		fields = fields.With(FieldDescription)
	}
	if !bytes.Equal(old.Image, updated.Image) {
		fields = fields.With(FieldImage)
	}
	if !old.LastUpdated.Equal(updated.LastUpdated) {
		fields = fields.With(FieldLastUpdated)
	}
	return fields
}
