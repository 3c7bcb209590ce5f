// Package auth verifies the bearer tokens presented by phone bridges and
// clients.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	RoleBridge = "bridge"
	RoleViewer = "viewer"
)

// Verifier validates tokens and extracts device/role claims.
// Supports modes: dev (no verify) and hmac (HS256).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	Now        func() time.Time
}

type Principal struct {
	DeviceID string
	Role     string
}

// CanIngest reports whether the principal may push sensor events.
func (p Principal) CanIngest() bool { return p.Role == RoleBridge }

func NewVerifier(mode, secret string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), Now: time.Now}
}

type claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Exp  int64  `json:"exp,omitempty"`
}

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if v.Mode == "dev" {
		// token format: device:role
		parts := strings.SplitN(token, ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return Principal{DeviceID: parts[0], Role: strings.ToLower(parts[1])}, nil
		}
		return Principal{}, fmt.Errorf("%w: expected device:role", ErrInvalidToken)
	}
	if v.Mode != "hmac" {
		return Principal{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, fmt.Errorf("%w: not a JWT", ErrInvalidToken)
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Principal{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	if hdr.Alg != "HS256" {
		return Principal{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidToken, hdr.Alg)
	}
	if !hmac.Equal(v.mac(segs[0]+"."+segs[1]), sig) {
		return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	var c claims
	if err := json.Unmarshal(payloadJSON, &c); err != nil {
		return Principal{}, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	if c.Exp != 0 && v.now().Unix() >= c.Exp {
		return Principal{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if c.Sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	role := strings.ToLower(c.Role)
	if role == "" {
		role = RoleViewer
	}
	return Principal{DeviceID: c.Sub, Role: role}, nil
}

// Sign issues an HS256 token for deviceID. A zero ttl never expires.
func (v *Verifier) Sign(deviceID, role string, ttl time.Duration) (string, error) {
	c := claims{Sub: deviceID, Role: role}
	if ttl > 0 {
		c.Exp = v.now().Add(ttl).Unix()
	}
	hdr, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	input := b64urlEncode(hdr) + "." + b64urlEncode(payload)
	return input + "." + b64urlEncode(v.mac(input)), nil
}

func (v *Verifier) mac(input string) []byte {
	m := hmac.New(sha256.New, v.HMACSecret)
	m.Write([]byte(input))
	return m.Sum(nil)
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
func b64urlEncode(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
