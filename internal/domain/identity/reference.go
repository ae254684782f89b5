package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// DefaultTokenPrefix marks identifiers issued by the external identity provider.
const DefaultTokenPrefix = "user_"

// Kind is the shape of a caller-supplied reference.
type Kind int

const (
	KindLegacy Kind = iota
	KindExternalToken
	KindStoreID
)

func (k Kind) String() string {
	switch k {
	case KindExternalToken:
		return "external_token"
	case KindStoreID:
		return "store_id"
	default:
		return "legacy"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of Kind.String. Unknown values map to KindLegacy.
func ParseKind(s string) Kind {
	switch s {
	case "external_token":
		return KindExternalToken
	case "store_id":
		return KindStoreID
	default:
		return KindLegacy
	}
}

// Reference is a patient or user reference normalized once at the boundary.
type Reference struct {
	Kind  Kind
	Value string
}

var storeIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// IsStoreID reports whether s has the shape of a store-assigned id.
func IsStoreID(s string) bool {
	return storeIDPattern.MatchString(s)
}

// Parse classifies raw. The token prefix is checked before the store id
// shape; anything else is a legacy string. The value is kept as given.
func Parse(raw, tokenPrefix string) Reference {
	if tokenPrefix == "" {
		tokenPrefix = DefaultTokenPrefix
	}
	switch {
	case strings.HasPrefix(raw, tokenPrefix) && len(raw) > len(tokenPrefix):
		return Reference{Kind: KindExternalToken, Value: raw}
	case IsStoreID(raw):
		return Reference{Kind: KindStoreID, Value: raw}
	default:
		return Reference{Kind: KindLegacy, Value: raw}
	}
}

// NewStoreID returns a 24 character lowercase hex id: 4 bytes of unix time
// followed by 8 random bytes, so ids sort roughly by creation time.
func NewStoreID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(b[4:]); err != nil {
		panic("identity: read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
