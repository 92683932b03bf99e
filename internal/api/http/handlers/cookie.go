package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/auth-service/internal/config"
	"github.com/spec-kit/auth-service/internal/domain"
)

// CookieSettings describes the refresh-token cookie.
type CookieSettings struct {
	Name   string
	Path   string
	Domain string
	Secure bool
	MaxAge time.Duration
}

// CookieSettingsFromConfig derives cookie settings from auth configuration.
func CookieSettingsFromConfig(cfg config.AuthConfig) CookieSettings {
	return CookieSettings{
		Name:   cfg.RefreshCookieName,
		Path:   cfg.CookiePath,
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
		MaxAge: cfg.RefreshTokenTTL,
	}
}

// cookieChannel delivers the refresh token as an HttpOnly, SameSite=Strict
// cookie on the current response.
type cookieChannel struct {
	c        *fiber.Ctx
	settings CookieSettings
}

func newCookieChannel(c *fiber.Ctx, settings CookieSettings) *cookieChannel {
	return &cookieChannel{c: c, settings: settings}
}

func (ch *cookieChannel) Set(token *domain.Token) error {
	if token == nil || token.Value == "" {
		return errors.New("empty refresh token")
	}
	if token.Kind != domain.TokenKindRefresh {
		return errors.New("refusing to store a non-refresh token in the cookie")
	}
	ch.c.Cookie(&fiber.Cookie{
		Name:     ch.settings.Name,
		Value:    token.Value,
		Path:     ch.settings.Path,
		Domain:   ch.settings.Domain,
		MaxAge:   int(ch.settings.MaxAge.Seconds()),
		Expires:  token.ExpiresAt,
		Secure:   ch.settings.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
	return nil
}

func (ch *cookieChannel) Clear() error {
	ch.c.Cookie(&fiber.Cookie{
		Name:     ch.settings.Name,
		Value:    "",
		Path:     ch.settings.Path,
		Domain:   ch.settings.Domain,
		Expires:  time.Unix(0, 0),
		Secure:   ch.settings.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
	return nil
}

func (ch *cookieChannel) Value() string {
	return ch.c.Cookies(ch.settings.Name)
}
