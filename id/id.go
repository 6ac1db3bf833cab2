// Package id defines TypeID-based identifiers for tally entities.
//
// IDs render as "prefix_suffix" where the suffix is a UUIDv7 in base32, so
// they sort by creation time and carry their entity type with them.
// Identifiers owned by collaborators (tenants, stores, orders) are plain
// strings and do not use this package.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixDLQ         Prefix = "dlq"
	PrefixDocument    Prefix = "fdoc"
	PrefixDevice      Prefix = "kkm"
	PrefixPairingCode Prefix = "pair"
	PrefixInstance    Prefix = "inst"
)

// ID is a prefix-qualified, globally unique, sortable identifier.
//
//nolint:recvcheck // value receivers for reads, pointer receivers for decoding
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. It panics on an invalid
// prefix, which is a programming error.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses "prefix_suffix" without checking the prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and requires the given prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// DLQID identifies a dead letter record.
type DLQID = ID

// DocumentID identifies a fiscal document.
type DocumentID = ID

// DeviceID identifies a paired connector device.
type DeviceID = ID

// PairingCodeID identifies a pairing code record. The code a human types
// is a separate short string.
type PairingCodeID = ID

// InstanceID identifies one running process on the event bus.
type InstanceID = ID

func NewDLQID() ID         { return New(PrefixDLQ) }
func NewDocumentID() ID    { return New(PrefixDocument) }
func NewDeviceID() ID      { return New(PrefixDevice) }
func NewPairingCodeID() ID { return New(PrefixPairingCode) }
func NewInstanceID() ID    { return New(PrefixInstance) }

func ParseDLQID(s string) (ID, error)         { return ParseWithPrefix(s, PrefixDLQ) }
func ParseDocumentID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixDocument) }
func ParseDeviceID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixDevice) }
func ParsePairingCodeID(s string) (ID, error) { return ParseWithPrefix(s, PrefixPairingCode) }
func ParseInstanceID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixInstance) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input decodes
// to Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL so optional
// references such as a document's claiming device stay nullable.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
