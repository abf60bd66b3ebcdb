package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCookieStoreIssue(t *testing.T) {
	cs := NewCookieStore(validConfig())
	cookies := cs.Issue(TokenSet{AccessToken: "at", IDToken: "it", RefreshToken: "rt"})
	if len(cookies) != 3 {
		t.Fatalf("expected three cookies, got %d", len(cookies))
	}

	want := map[string]struct {
		value  string
		maxAge int
	}{
		AccessTokenCookie:  {"at", 3600},
		IDTokenCookie:      {"it", 3600},
		RefreshTokenCookie: {"rt", 5 * 24 * 3600},
	}
	for name, w := range want {
		c := cookieByName(cookies, name)
		if c == nil {
			t.Fatalf("missing cookie %s", name)
		}
		if c.Value != w.value || c.MaxAge != w.maxAge {
			t.Fatalf("%s: got value=%q maxAge=%d", name, c.Value, c.MaxAge)
		}
		if !c.HttpOnly || c.Path != "/" || c.SameSite != http.SameSiteLaxMode {
			t.Fatalf("%s: unexpected attributes %+v", name, c)
		}
		if c.Secure {
			t.Fatalf("%s: dev mode cookies must not be Secure", name)
		}
	}
}

func TestCookieStoreSecureInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DevMode = false
	cfg.Server.CookieDomain = "example.com"
	cs := NewCookieStore(cfg)

	all := append(cs.Issue(TokenSet{AccessToken: "a", IDToken: "i", RefreshToken: "r"}), cs.Verifier("v"))
	all = append(all, cs.Clear()...)
	for _, c := range all {
		if !c.Secure {
			t.Fatalf("%s must be Secure outside dev mode", c.Name)
		}
		if c.Domain != "example.com" {
			t.Fatalf("%s: expected configured domain, got %q", c.Name, c.Domain)
		}
	}
}

func TestCookieStoreRotate(t *testing.T) {
	cs := NewCookieStore(validConfig())
	tokens := TokenSet{AccessToken: "at2", IDToken: "it2", RefreshToken: "rt2"}

	cookies := cs.Rotate(tokens, false)
	if len(cookies) != 2 || cookieByName(cookies, RefreshTokenCookie) != nil {
		t.Fatalf("refresh cookie must be untouched without rotation: %+v", cookies)
	}

	cookies = cs.Rotate(tokens, true)
	rt := cookieByName(cookies, RefreshTokenCookie)
	if len(cookies) != 3 || rt == nil || rt.Value != "rt2" || rt.MaxAge != 5*24*3600 {
		t.Fatalf("rotated refresh token should be re-stored: %+v", cookies)
	}
}

func TestCookieStoreClear(t *testing.T) {
	cs := NewCookieStore(validConfig())
	cookies := cs.Clear()
	if len(cookies) != 3 {
		t.Fatalf("expected three cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("%s should be expired: %+v", c.Name, c)
		}
	}
	if v := cs.ClearVerifier(); v.Name != VerifierCookie || v.MaxAge >= 0 {
		t.Fatalf("unexpected verifier clear cookie %+v", v)
	}
}

func TestCookieStoreReadsRequestCookies(t *testing.T) {
	cs := NewCookieStore(validConfig())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: IDTokenCookie, Value: "it"})
	req.AddCookie(&http.Cookie{Name: VerifierCookie, Value: "v"})

	tokens := cs.Tokens(req)
	if tokens.IDToken != "it" || tokens.AccessToken != "" || tokens.RefreshToken != "" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if cs.VerifierFrom(req) != "v" {
		t.Fatalf("expected verifier cookie to be read")
	}

	v := cs.Verifier("v")
	if v.MaxAge != 0 || !v.HttpOnly || v.Path != "/" {
		t.Fatalf("verifier cookie should be an HttpOnly session cookie: %+v", v)
	}
}
