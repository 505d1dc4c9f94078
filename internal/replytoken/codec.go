// Package replytoken encodes session identifiers into tamper-evident
// reply tokens.
//
// A token is "{sessionID}.{tag}" where tag is the first 16 hex chars of
// HMAC-SHA256(key, sessionID). Embedded in a plus-addressed reply
// address (reply+{token}@domain), it lets a bare email reply resolve
// back to a session without trusting any client-supplied identifier.
package replytoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidToken covers every decode failure.
var ErrInvalidToken = errors.New("replytoken: invalid token")

// TagLength is the number of hex characters kept from the HMAC.
const TagLength = 16

// Codec signs and verifies reply tokens with a fixed key.
type Codec struct {
	key []byte
}

// NewCodec returns a Codec using the given signing key.
func NewCodec(key []byte) *Codec {
	return &Codec{key: key}
}

// Encode produces the token for a session id.
func (c *Codec) Encode(sessionID string) string {
	return sessionID + "." + c.tag(sessionID)
}

// Decode verifies a token and returns the embedded session id.
//
// The split is on the last dot: session ids may themselves contain dots
// in other encodings, so only the suffix is treated as the tag.
func (c *Codec) Decode(token string) (string, error) {
	i := strings.LastIndex(token, ".")
	if i < 0 {
		return "", ErrInvalidToken
	}
	sessionID, tag := token[:i], token[i+1:]
	if sessionID == "" || len(tag) != TagLength {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(tag), []byte(c.tag(sessionID))) {
		return "", ErrInvalidToken
	}
	return sessionID, nil
}

// ReplyAddress embeds a token in a plus-addressed mailbox at domain.
func ReplyAddress(token, domain string) string {
	return "reply+" + token + "@" + domain
}

// ParseReplyAddress extracts the token from a reply+{token}@domain
// address. It does not verify the token.
func ParseReplyAddress(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return "", ErrInvalidToken
	}
	local := address[:at]
	if !strings.HasPrefix(local, "reply+") {
		return "", ErrInvalidToken
	}
	token := strings.TrimPrefix(local, "reply+")
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

func (c *Codec) tag(sessionID string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))[:TagLength]
}
