package ingress

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/netip"
	"strings"

	"hookrelay/internal/config"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
)

// Request is what the gate inspects: the raw body, the request headers and
// the caller address.
type Request struct {
	Body     []byte
	Headers  http.Header
	RemoteIP string
}

type Gate struct {
	cfg       config.IngressConfig
	secret    []byte
	allowed   []netip.Prefix
	apiKeys   map[string]struct{}
	tokens    map[string]struct{}
	authGates int
}

// NewGate prepares the allow-list and credential sets. Entries that fail to
// parse are rejected here rather than at request time.
func NewGate(cfg config.IngressConfig) (*Gate, error) {
	if _, err := hasher(cfg.Signature.Algorithm); err != nil && cfg.Signature.Enabled {
		return nil, errors.ErrValidation.WithCause(err)
	}

	g := &Gate{
		cfg:     cfg,
		secret:  []byte(cfg.Signature.Secret),
		apiKeys: toSet(cfg.Auth.APIKey.Keys),
		tokens:  toSet(cfg.Auth.Bearer.Tokens),
	}

	if cfg.IPAllowList.Enabled {
		for _, entry := range cfg.IPAllowList.Allowed {
			prefix, err := parsePrefix(entry)
			if err != nil {
				return nil, errors.ErrValidation.WithCause(err).WithDetail("entry", entry)
			}
			g.allowed = append(g.allowed, prefix)
		}
	}

	for _, enabled := range []bool{cfg.Auth.APIKey.Enabled, cfg.Auth.Bearer.Enabled, cfg.Auth.Basic.Enabled} {
		if enabled {
			g.authGates++
		}
	}

	if g.cfg.Auth.APIKey.Header == "" {
		g.cfg.Auth.APIKey.Header = "X-API-Key"
	}
	if g.cfg.Signature.Header == "" {
		g.cfg.Signature.Header = "X-Webhook-Signature"
	}

	return g, nil
}

func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// Verify runs the checks cheapest first: size, source address, credentials,
// then the HMAC signature. The first failure is returned.
func (g *Gate) Verify(req Request) error {
	if err := g.checkSize(req.Body); err != nil {
		metrics.IncIngressRejection("payload_too_large")
		return err
	}
	if err := g.checkIP(req.RemoteIP); err != nil {
		metrics.IncIngressRejection("forbidden_ip")
		return err
	}
	if err := g.checkAuth(req.Headers); err != nil {
		metrics.IncIngressRejection("unauthorized")
		return err
	}
	if err := g.checkSignature(req.Body, req.Headers); err != nil {
		metrics.IncIngressRejection("invalid_signature")
		return err
	}
	return nil
}

// MaxPayloadBytes is the configured ceiling, for callers that bound reads.
func (g *Gate) MaxPayloadBytes() int64 {
	return g.cfg.MaxPayloadBytes
}

func (g *Gate) checkSize(body []byte) error {
	if g.cfg.MaxPayloadBytes > 0 && int64(len(body)) > g.cfg.MaxPayloadBytes {
		return errors.ErrPayloadTooLarge.
			WithDetail("size", len(body)).
			WithDetail("limit", g.cfg.MaxPayloadBytes)
	}
	return nil
}

func (g *Gate) checkIP(remote string) error {
	if !g.cfg.IPAllowList.Enabled {
		return nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(remote))
	if err != nil {
		return errors.ErrForbidden.WithDetail("reason", "unparseable source address")
	}
	addr = addr.Unmap()
	for _, prefix := range g.allowed {
		if prefix.Contains(addr) {
			return nil
		}
	}
	return errors.ErrForbidden.WithDetail("reason", "source address not allowed").WithDetail("ip", addr.String())
}

// checkAuth passes when any enabled method accepts the request.
func (g *Gate) checkAuth(headers http.Header) error {
	if g.authGates == 0 {
		return nil
	}

	auth := g.cfg.Auth
	if auth.APIKey.Enabled && g.checkAPIKey(headers.Get(auth.APIKey.Header)) {
		return nil
	}

	authorization := headers.Get("Authorization")
	if auth.Bearer.Enabled && g.checkBearer(authorization) {
		return nil
	}
	if auth.Basic.Enabled && g.checkBasic(authorization) {
		return nil
	}

	return errors.ErrUnauthorized.WithDetail("reason", "no accepted credentials")
}

func (g *Gate) checkAPIKey(key string) bool {
	return key != "" && containsConstantTime(g.apiKeys, key)
}

func (g *Gate) checkBearer(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && token != "" && containsConstantTime(g.tokens, token)
}

func (g *Gate) checkBasic(header string) bool {
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.cfg.Auth.Basic.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(g.cfg.Auth.Basic.Password)) == 1
	return userOK && passOK
}

func containsConstantTime(set map[string]struct{}, candidate string) bool {
	found := false
	for v := range set {
		if subtle.ConstantTimeCompare([]byte(v), []byte(candidate)) == 1 {
			found = true
		}
	}
	return found
}

func (g *Gate) checkSignature(body []byte, headers http.Header) error {
	if !g.cfg.Signature.Enabled {
		return nil
	}
	received := headers.Get(g.cfg.Signature.Header)
	if received == "" {
		return errors.ErrInvalidSignature.WithDetail("reason", "missing signature header")
	}
	ok, err := VerifySignature(g.secret, g.cfg.Signature.Algorithm, g.cfg.Signature.Prefix, body, received)
	if err != nil {
		return errors.ErrInvalidSignature.WithCause(err)
	}
	if !ok {
		return errors.ErrInvalidSignature.WithDetail("reason", "signature mismatch")
	}
	return nil
}
