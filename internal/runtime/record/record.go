// Package record holds the user record schema, the payload decoder and the
// identifier resolver.
package record

import (
	"errors"
	"fmt"
	"unicode/utf8"

	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	"github.com/drblury/userflow/internal/runtime/ids"
	"github.com/drblury/userflow/internal/runtime/jsoncodec"
)

// Column names in table order. The first entry is the identifier.
const (
	FieldID             = "id"
	FieldFirstName      = "first_name"
	FieldLastName       = "last_name"
	FieldGender         = "gender"
	FieldAddress        = "address"
	FieldPostCode       = "post_code"
	FieldEmail          = "email"
	FieldUsername       = "username"
	FieldRegisteredDate = "registered_date"
	FieldPhone          = "phone"
	FieldPicture        = "picture"
)

// Columns lists the eleven schema fields in column order.
var Columns = []string{
	FieldID,
	FieldFirstName,
	FieldLastName,
	FieldGender,
	FieldAddress,
	FieldPostCode,
	FieldEmail,
	FieldUsername,
	FieldRegisteredDate,
	FieldPhone,
	FieldPicture,
}

// UserRecord is one decoded user. An empty ID means the source left it null.
type UserRecord struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Gender         string `json:"gender"`
	Address        string `json:"address"`
	PostCode       string `json:"post_code"`
	Email          string `json:"email"`
	Username       string `json:"username"`
	RegisteredDate string `json:"registered_date"`
	Phone          string `json:"phone"`
	Picture        string `json:"picture"`
}

// Values returns the field values in Columns order.
func (r UserRecord) Values() []any {
	return []any{
		r.ID,
		r.FirstName,
		r.LastName,
		r.Gender,
		r.Address,
		r.PostCode,
		r.Email,
		r.Username,
		r.RegisteredDate,
		r.Phone,
		r.Picture,
	}
}

func (r *UserRecord) field(name string) *string {
	switch name {
	case FieldID:
		return &r.ID
	case FieldFirstName:
		return &r.FirstName
	case FieldLastName:
		return &r.LastName
	case FieldGender:
		return &r.Gender
	case FieldAddress:
		return &r.Address
	case FieldPostCode:
		return &r.PostCode
	case FieldEmail:
		return &r.Email
	case FieldUsername:
		return &r.Username
	case FieldRegisteredDate:
		return &r.RegisteredDate
	case FieldPhone:
		return &r.Phone
	case FieldPicture:
		return &r.Picture
	}
	panic(fmt.Sprintf("userflow: unknown record field %q", name))
}

// Decode parses a raw payload into a UserRecord. Fields outside the schema
// are ignored. Every field other than id must be present and a string; id may
// be absent or null. Failures are returned as *errors.DecodeError.
func Decode(raw []byte) (UserRecord, error) {
	if !utf8.Valid(raw) {
		return UserRecord{}, &errspkg.DecodeError{Err: errspkg.ErrPayloadNotUTF8}
	}

	fields, err := jsoncodec.DecodeObject(raw)
	switch {
	case errors.Is(err, jsoncodec.ErrNotObject):
		return UserRecord{}, &errspkg.DecodeError{Err: errspkg.ErrPayloadNotObject}
	case err != nil:
		return UserRecord{}, &errspkg.DecodeError{Err: fmt.Errorf("%w: %v", errspkg.ErrPayloadMalformed, err)}
	}

	var rec UserRecord
	for _, name := range Columns {
		value, present := fields[name]
		if !present || value == nil {
			if name == FieldID {
				continue
			}
			return UserRecord{}, &errspkg.DecodeError{Field: name, Err: errspkg.ErrFieldMissing}
		}
		text, ok := value.(string)
		if !ok {
			return UserRecord{}, &errspkg.DecodeError{Field: name, Err: errspkg.ErrFieldNotString}
		}
		*rec.field(name) = text
	}
	return rec, nil
}

var newRecordID = ids.NewRecordID

// ResolveID returns rec unchanged when it already has an id, otherwise a copy
// carrying a freshly generated version 4 UUID.
func ResolveID(rec UserRecord) UserRecord {
	if rec.ID != "" {
		return rec
	}
	rec.ID = newRecordID()
	return rec
}
