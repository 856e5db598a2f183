package tokengenerator

import (
	"net/http"
	"time"
)

// CookieSetter writes and clears one named token cookie.
type CookieSetter struct {
	Name     string
	Path     string
	Domain   string
	HttpOnly bool
	Secure   bool
	SameSite http.SameSite
}

// NewCookieSetter creates a HttpOnly, SameSite=Lax cookie setter for name.
func NewCookieSetter(name string, secure bool) *CookieSetter {
	return &CookieSetter{
		Name:     name,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetCookie sets the cookie to value until expire.
func (c *CookieSetter) SetCookie(w http.ResponseWriter, value string, expire time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Path:     c.Path,
		Domain:   c.Domain,
		Value:    value,
		Expires:  expire,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

// ClearCookie expires the cookie.
func (c *CookieSetter) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Path:     c.Path,
		Domain:   c.Domain,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

// FromRequest returns the cookie value, or "" when absent.
func (c *CookieSetter) FromRequest(r *http.Request) string {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
