package domain

import (
	"bytes"
	"strings"
	"time"
)

type Person struct {
	ID        string // stable identity supplied by the identity provider
	FirstName string
	LastName  string
	Avatar    []byte
	CreatedAt time.Time
}

func (p Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type PersonField uint8

const (
	FieldFirstName PersonField = iota + 1
	FieldLastName
	FieldAvatar
)

func (f PersonField) String() string {
	switch f {
	case FieldFirstName:
		return "first_name"
	case FieldLastName:
		return "last_name"
	case FieldAvatar:
		return "avatar"
	default:
		return "unknown"
	}
}

// ChangedPersonFields lists the profile fields that differ between two revisions.
func ChangedPersonFields(old, updated Person) []PersonField {
	var fields []PersonField
	if old.FirstName != updated.FirstName {
		fields = append(fields, FieldFirstName)
	}
	if old.LastName != updated.LastName {
		fields = append(fields, FieldLastName)
	}
	if !bytes.Equal(old.Avatar, updated.Avatar) {
		fields = append(fields, FieldAvatar)
	}
	return fields
}
