package domain

import "strings"

// ProductField enumerates the observable fields of a product.
type ProductField uint8

const (
	FieldName ProductField = iota + 1
	FieldDescription
	FieldImage
	FieldLastUpdated
	FieldTransactions
)

// ProductFields lists every ProductField in declaration order.
var ProductFields = []ProductField{FieldName, FieldDescription, FieldImage, FieldLastUpdated, FieldTransactions}

func (f ProductField) String() string {
	switch f {
	case FieldName:
		return "name"
	case FieldDescription:
		return "description"
	case FieldImage:
		return "image"
	case FieldLastUpdated:
		return "last_updated"
	case FieldTransactions:
		return "transactions"
	default:
		return "unknown"
	}
}

// FieldSet is a bitset of ProductField values.
type FieldSet uint8

func FieldsOf(fields ...ProductField) FieldSet {
	var s FieldSet
	for _, f := range fields {
		s = s.With(f)
	}
	return s
}

func (s FieldSet) With(f ProductField) FieldSet {
	return s | 1<<f
}

func (s FieldSet) Has(f ProductField) bool {
	return s&(1<<f) != 0
}

func (s FieldSet) Empty() bool {
	return s == 0
}

func (s FieldSet) Fields() []ProductField {
	var out []ProductField
	for _, f := range ProductFields {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FieldSet) String() string {
	names := make([]string, 0, len(ProductFields))
	for _, f := range s.Fields() {
		names = append(names, f.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Mutation describes one committed ledger write affecting a single product.
type Mutation struct {
	ProductID   string
	Created     bool
	Fields      FieldSet
	Transaction *Transaction
}
