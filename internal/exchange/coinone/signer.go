package coinone

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	HeaderPayload   = "X-COINONE-PAYLOAD"
	HeaderSignature = "X-COINONE-SIGNATURE"
)

var ErrMissingCredential = errors.New("coinone access_token/secret_key required")

type Credential struct {
	AccessToken string
	SecretKey   string
}

func (c Credential) Valid() bool {
	return c.AccessToken != "" && c.SecretKey != ""
}

// String never prints the secret and only the tail of the access token.
func (c Credential) String() string {
	token := "<empty>"
	if n := len(c.AccessToken); n > 4 {
		token = "****" + c.AccessToken[n-4:]
	} else if n > 0 {
		token = "****"
	}
	return fmt.Sprintf("Credential{access_token=%s secret_key=<redacted>}", token)
}

func (c Credential) GoString() string { return c.String() }

type SignedPayload struct {
	// Payload is the base64 request body; the exact bytes that were signed.
	Payload   string
	Signature string
}

func (p SignedPayload) Apply(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set(HeaderPayload, p.Payload)
	h.Set(HeaderSignature, p.Signature)
}

type Signer struct {
	cred  Credential
	nonce func() string
}

func NewSigner(cred Credential) *Signer {
	return &Signer{cred: cred, nonce: uuid.NewString}
}

// Sign builds the payload for one private request. params is not modified;
// access_token and nonce always come from the signer.
func (s *Signer) Sign(params map[string]any) (SignedPayload, error) {
	if !s.cred.Valid() {
		return SignedPayload{}, ErrMissingCredential
	}
	body := make(map[string]any, len(params)+2)
	for k, v := range params {
		body[k] = v
	}
	body["access_token"] = s.cred.AccessToken
	body["nonce"] = s.nonce()
	raw, err := json.Marshal(body)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("encode signed payload: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(raw)
	return SignedPayload{
		Payload:   payload,
		Signature: sign(s.cred.SecretKey, payload),
	}, nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
