package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer produces the HMAC-SHA256 request signatures the exchange requires
// on every private endpoint. The signature covers the canonical (sorted)
// query string including a fresh timestamp; a retried request must be
// re-signed with a new timestamp.
type Signer struct {
	apiKey    string
	apiSecret string
}

// NewSigner creates a signer for one account's API key pair.
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret}
}

// APIKey returns the key sent in the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign stamps the params with the current timestamp, canonicalises them, and
// appends the HMAC-SHA256 signature. Returns the full query string to send.
func (s *Signer) Sign(params url.Values) string {
	return s.signAt(params, time.Now())
}

func (s *Signer) signAt(params url.Values, now time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode() // sorted keys = canonical form

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(query))
	sig := hex.EncodeToString(mac.Sum(nil))

	return query + "&signature=" + sig
}
