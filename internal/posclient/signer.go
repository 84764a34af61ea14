package posclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"

	"github.com/feastly/possync/internal/domain/credential"
)

// Signer prepares the authentication material for one outbound request.
// A restaurant's signing strategy is fixed by its credential mode and never
// mixed mid-flight.
type Signer interface {
	Sign(req *http.Request, body []byte, creds *credential.Credentials) error
}

// SandboxSigner signs requests for the sandboxed gateway: an HMAC-SHA256
// signature over the raw body, keyed by the app secret, carried in headers.
type SandboxSigner struct {
	now func() time.Time
}

// NewSandboxSigner creates a SandboxSigner.
func NewSandboxSigner() *SandboxSigner {
	return &SandboxSigner{now: time.Now}
}

// Sign sets X-App-Key, X-Timestamp and X-Signature headers. The signature
// covers body bytes followed by the timestamp, so a replayed request with a
// shifted timestamp fails verification.
func (s *SandboxSigner) Sign(req *http.Request, body []byte, creds *credential.Credentials) error {
	if creds.AppSecret == "" {
		return errors.New("sandbox signing requires an app secret")
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(creds.AppSecret))
	mac.Write(body)
	mac.Write([]byte(ts))

	req.Header.Set("X-App-Key", creds.AppKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// ProductionSigner authenticates via credentials already present in the
// request body (the direct production endpoint reads app_key/app_secret/
// access_token from the payload itself). It only checks they are present.
type ProductionSigner struct{}

// NewProductionSigner creates a ProductionSigner.
func NewProductionSigner() *ProductionSigner {
	return &ProductionSigner{}
}

// Sign validates that the in-body credentials are complete.
func (ProductionSigner) Sign(_ *http.Request, _ []byte, creds *credential.Credentials) error {
	if creds.AppKey == "" || creds.AppSecret == "" || creds.AccessToken == "" {
		return errors.New("production endpoint requires app key, secret and access token")
	}
	return nil
}

// SignerFor returns the signer matching the credential mode.
func SignerFor(mode credential.Mode) (Signer, error) {
	switch mode {
	case credential.ModeSandbox:
		return NewSandboxSigner(), nil
	case credential.ModeProduction:
		return NewProductionSigner(), nil
	default:
		return nil, errors.Errorf("unknown credential mode %q", mode)
	}
}
