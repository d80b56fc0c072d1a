// Package secrets resolves profile auth references into request credentials.
// Profiles only name a secret; tokens live in a separate JSON file that is
// never committed with the profiles.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Secret types understood by Store.
const (
	TypeBearer       = "bearer"
	TypeAPIKeyHeader = "api_key_header"
	TypeBasic        = "basic"
	TypeAPIKeyQuery  = "api_key_query"
	TypeHeaders      = "headers"
	TypeCookies      = "cookies"
	TypeCookiesFile  = "cookies_file"
)

// ErrUnknownRef is returned when a profile names a secret that does not exist.
var ErrUnknownRef = errors.New("secret ref not found")

// Auth is the profile-side description of how to authenticate.
type Auth struct {
	Ref      string            `json:"ref,omitempty" yaml:"ref,omitempty"`
	ByDomain map[string]string `json:"by_domain,omitempty" yaml:"by_domain,omitempty"`
}

// IsZero reports whether no auth is configured.
func (a Auth) IsZero() bool {
	return a.Ref == "" && len(a.ByDomain) == 0
}

// Secret is one entry of the secrets file.
type Secret struct {
	Type     string            `json:"type"`
	Token    string            `json:"token,omitempty"`
	Header   string            `json:"header,omitempty"`
	Param    string            `json:"param,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Path     string            `json:"path,omitempty"`
	Cookies  []Cookie          `json:"cookies,omitempty"`
}

// Cookie is a browser-exported cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Credential is what gets applied to an outgoing request.
type Credential struct {
	Ref     string
	Headers map[string]string
	Params  map[string]string
	Cookie  string
}

// Empty reports whether the credential changes nothing.
func (c Credential) Empty() bool {
	return len(c.Headers) == 0 && len(c.Params) == 0 && c.Cookie == ""
}

// Apply returns a copy of req carrying the credential. Query parameters the
// profile already sets explicitly are kept.
func (c Credential) Apply(req harvest.RequestSpec) harvest.RequestSpec {
	out := req.Clone()
	for k, v := range c.Headers {
		out = out.WithHeader(k, v)
	}
	for k, v := range c.Params {
		if _, ok := out.Params[k]; ok {
			continue
		}
		out = out.WithParam(k, v)
	}
	if c.Cookie != "" {
		key, existing := headerEntry(out.Headers, "Cookie")
		cookie := c.Cookie
		if existing != "" {
			cookie = existing + "; " + cookie
		}
		out = out.WithHeader(key, cookie)
	}
	return out
}

// Store holds parsed secrets keyed by ref.
type Store struct {
	baseDir string
	secrets map[string]Secret

	mu      sync.Mutex
	cookies map[string][]Cookie
}

// New builds a Store from in-memory secrets. Relative cookie file paths are
// resolved against baseDir.
func New(secrets map[string]Secret, baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		secrets: secrets,
		cookies: map[string][]Cookie{},
	}
}

// Load reads a secrets file.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var parsed map[string]Secret
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode secrets file: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("secrets file %s has no entries", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return New(parsed, filepath.Dir(abs)), nil
}

// ResolveRef picks the secret ref for rawURL. by_domain matches the exact
// host first, then any configured parent domain.
func ResolveRef(auth Auth, rawURL string) (string, bool) {
	if auth.Ref != "" {
		return auth.Ref, true
	}
	if len(auth.ByDomain) == 0 {
		return "", false
	}
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Hostname())
	}
	if host == "" {
		return "", false
	}
	if ref, ok := auth.ByDomain[host]; ok {
		return ref, true
	}
	for _, domain := range harvest.SortedKeys(auth.ByDomain) {
		d := strings.ToLower(strings.TrimPrefix(domain, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return auth.ByDomain[domain], true
		}
	}
	return "", false
}

// Resolve returns the credential for a request to rawURL. A zero Auth or a
// by_domain map without a match yields an empty credential.
func (s *Store) Resolve(_ context.Context, auth Auth, rawURL string) (Credential, error) {
	ref, ok := ResolveRef(auth, rawURL)
	if !ok {
		return Credential{}, nil
	}
	if s == nil {
		return Credential{}, fmt.Errorf("%w: %s (no secrets file configured)", ErrUnknownRef, ref)
	}
	secret, ok := s.secrets[ref]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}

	cred := Credential{Ref: ref, Headers: map[string]string{}, Params: map[string]string{}}
	for k, v := range secret.Headers {
		cred.Headers[k] = v
	}

	switch strings.ToLower(strings.TrimSpace(secret.Type)) {
	case TypeBearer:
		if secret.Token == "" {
			return Credential{}, fmt.Errorf("secret %s: bearer requires token", ref)
		}
		cred.Headers["Authorization"] = "Bearer " + secret.Token
	case TypeAPIKeyHeader:
		if secret.Token == "" || secret.Header == "" {
			return Credential{}, fmt.Errorf("secret %s: api_key_header requires header and token", ref)
		}
		cred.Headers[secret.Header] = secret.Token
	case TypeBasic:
		if secret.Username == "" {
			return Credential{}, fmt.Errorf("secret %s: basic requires username", ref)
		}
		raw := secret.Username + ":" + secret.Password
		cred.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	case TypeAPIKeyQuery:
		if secret.Token == "" || secret.Param == "" {
			return Credential{}, fmt.Errorf("secret %s: api_key_query requires param and token", ref)
		}
		cred.Params[secret.Param] = secret.Token
	case TypeHeaders:
		if len(secret.Headers) == 0 {
			return Credential{}, fmt.Errorf("secret %s: headers requires a headers map", ref)
		}
	case TypeCookies, TypeCookiesFile:
		cookies, err := s.cookiesFor(ref, secret)
		if err != nil {
			return Credential{}, err
		}
		cred.Cookie = cookieHeader(cookies, rawURL)
	default:
		return Credential{}, fmt.Errorf("secret %s: unsupported type %q", ref, secret.Type)
	}
	return cred, nil
}

func (s *Store) cookiesFor(ref string, secret Secret) ([]Cookie, error) {
	if len(secret.Cookies) > 0 {
		return secret.Cookies, nil
	}
	if secret.Path == "" {
		return nil, fmt.Errorf("secret %s: cookies require path or inline cookies", ref)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cookies[ref]; ok {
		return cached, nil
	}
	path := secret.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.baseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret %s: read cookies file: %w", ref, err)
	}
	cookies, err := parseCookies(raw)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", ref, err)
	}
	s.cookies[ref] = cookies
	return cookies, nil
}

// parseCookies accepts a browser export list or an object with a cookies list.
func parseCookies(raw []byte) ([]Cookie, error) {
	var list []Cookie
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Cookies []Cookie `json:"cookies"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode cookies file: %w", err)
		}
		list = wrapped.Cookies
	}
	out := list[:0]
	for _, c := range list {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("cookies file has no cookies")
	}
	return out, nil
}

func cookieHeader(cookies []Cookie, rawURL string) string {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Hostname())
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if domain != "" && host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}

// headerEntry finds name case-insensitively and returns the stored key.
func headerEntry(headers map[string]string, name string) (string, string) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return k, v
		}
	}
	return name, ""
}
