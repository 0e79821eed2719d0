package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketrust/internal/apperr"
)

const (
	webAppDataKey = "WebAppData"
	hashField     = "hash"
	// signature carries the platform's third-party signature and is not
	// part of the bot token check string.
	signatureField = "signature"
)

// ParseInitData decodes the raw query string exactly once.
func ParseInitData(raw string) (url.Values, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInput, apperr.CodeMalformedAssertion, "identity.ParseInitData", err)
	}
	return values, nil
}

// DataCheckString builds the newline-joined key=value string over every
// field except hash and signature, sorted by key.
func DataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == hashField || k == signatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + values.Get(k)
	}
	return strings.Join(lines, "\n")
}

// SecretKey derives the validation key from the bot token.
func SecretKey(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte(webAppDataKey))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// Sign returns the hex hash expected for values under botToken.
func Sign(values url.Values, botToken string) string {
	mac := hmac.New(sha256.New, SecretKey(botToken))
	mac.Write([]byte(DataCheckString(values)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature of raw init data and extracts the user.
// maxAge of zero disables the auth_date freshness check.
func Validate(raw, botToken string, now time.Time, maxAge time.Duration) (*Assertion, error) {
	const op = "identity.Validate"

	values, err := ParseInitData(raw)
	if err != nil {
		return nil, err
	}

	expected := Sign(values, botToken)
	if !hmac.Equal([]byte(expected), []byte(values.Get(hashField))) {
		return nil, apperr.New(apperr.KindAuthentication, apperr.CodeInvalidSignature, op, "hash mismatch")
	}

	assertion := &Assertion{Fields: values}

	if ts := values.Get("auth_date"); ts != "" {
		secs, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, apperr.New(apperr.KindInput, apperr.CodeMalformedAssertion, op, "auth_date %q is not a unix timestamp", ts)
		}
		assertion.AuthDate = time.Unix(secs, 0).UTC()
		if maxAge > 0 && now.Sub(assertion.AuthDate) > maxAge {
			return nil, apperr.New(apperr.KindAuthentication, apperr.CodeExpiredAssertion, op, "assertion issued %s ago", now.Sub(assertion.AuthDate).Truncate(time.Second))
		}
	}

	rawUser := values.Get("user")
	if rawUser == "" {
		return nil, apperr.New(apperr.KindInput, apperr.CodeMalformedAssertion, op, "missing user field")
	}
	if err := json.Unmarshal([]byte(rawUser), &assertion.User); err != nil {
		return nil, apperr.Wrap(apperr.KindInput, apperr.CodeMalformedAssertion, op, err)
	}
	if assertion.User.ID == nil {
		return nil, apperr.New(apperr.KindInput, apperr.CodeMalformedAssertion, op, "user has no numeric id")
	}
	assertion.UserID = *assertion.User.ID

	return assertion, nil
}
