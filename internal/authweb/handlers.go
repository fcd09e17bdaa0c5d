package authweb

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/postwing/xsched/internal/oauth"
	"github.com/postwing/xsched/internal/tokenstore"
)

// handleHome renders the status page: whether a token is stored for the
// configured user and when it expires.
func (s *Server) handleHome(c *fiber.Ctx) error {
	userID := s.oauth.UserID()

	rec, err := s.store.Get(c.Context(), userID)
	switch {
	case err == nil:
		return renderPage(c, fiber.StatusOK, tokenPageView("home", rec, time.Now()))
	case errors.Is(err, tokenstore.ErrNotFound):
		return renderPage(c, fiber.StatusOK, pageView{Page: "home", UserID: userID})
	default:
		return err
	}
}

// handleLogin builds a fresh authorization request, remembers its state and
// verifier, and sends the browser to the platform's consent screen.
func (s *Server) handleLogin(c *fiber.Ctx) error {
	authURL, state, verifier, err := s.oauth.BuildAuthorizationRequest()
	if err != nil {
		return err
	}
	s.attempts.Add(state, verifier)

	s.logger.Info().
		Str("flow_state", string(oauth.FlowRequested)).
		Msg("redirecting to authorization endpoint")

	return c.Redirect(authURL, fiber.StatusFound)
}

func (s *Server) handleCallback(c *fiber.Ctx) error {
	q := url.Values{}
	for _, k := range []string{"code", "state", "error", "error_description"} {
		if v := c.Query(k); v != "" {
			q.Set(k, v)
		}
	}
	return s.completeFlow(c, q)
}

func (s *Server) handleManualForm(c *fiber.Ctx) error {
	return renderPage(c, fiber.StatusOK, pageView{Page: "manual"})
}

// handleManualSubmit completes an authorization from a pasted redirect URL,
// for setups where the platform cannot reach the callback address directly.
func (s *Server) handleManualSubmit(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.FormValue("redirect_url"))
	if raw == "" {
		return renderPage(c, fiber.StatusBadRequest, pageView{
			Page:   "error",
			Detail: "Paste the full redirect URL, including its query string.",
		})
	}

	q, err := redirectQuery(raw)
	if err != nil {
		return renderPage(c, fiber.StatusBadRequest, pageView{
			Page:   "error",
			Detail: "Could not parse the pasted URL: " + err.Error(),
		})
	}

	return s.completeFlow(c, q)
}

// completeFlow finishes one authorization attempt from its callback
// parameters. The state is consumed before the exchange, so a failed
// exchange cannot be replayed with the same state.
func (s *Server) completeFlow(c *fiber.Ctx, q url.Values) error {
	if errCode := q.Get("error"); errCode != "" {
		detail := errCode
		if d := q.Get("error_description"); d != "" {
			detail = fmt.Sprintf("%s (%s)", d, errCode)
		}

		s.logger.Warn().
			Str("flow_state", string(oauth.FlowDenied)).
			Str("error", errCode).
			Msg("authorization denied")

		return renderPage(c, fiber.StatusOK, pageView{Page: "denied", Detail: detail})
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		s.logger.Warn().
			Str("flow_state", string(oauth.FlowErrored)).
			Msg("callback missing code or state")

		return renderPage(c, fiber.StatusBadRequest, pageView{
			Page:   "error",
			Detail: "The callback is missing its code or state parameter.",
		})
	}

	verifier, ok := s.attempts.Consume(state)
	if !ok {
		s.logger.Warn().
			Str("flow_state", string(oauth.FlowErrored)).
			Msg("callback state unknown or expired")

		return renderPage(c, fiber.StatusBadRequest, pageView{
			Page:   "error",
			Detail: "This authorization attempt is unknown or has expired. States are single-use; start over from the login page.",
		})
	}

	s.logger.Debug().
		Str("flow_state", string(oauth.FlowCodeReceived)).
		Msg("authorization code received")

	rec, err := s.oauth.ExchangeCode(c.Context(), code, verifier)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("flow_state", string(oauth.FlowExchangeFailed)).
			Msg("code exchange failed")

		return renderPage(c, fiber.StatusBadGateway, pageView{
			Page:   "error",
			Detail: "The token exchange failed: " + err.Error(),
		})
	}

	if err := s.store.Put(c.Context(), rec); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist token record")
		return renderPage(c, fiber.StatusInternalServerError, pageView{
			Page:   "error",
			Detail: "The token could not be saved: " + err.Error(),
		})
	}

	s.logger.Info().
		Str("flow_state", string(oauth.FlowExchanged)).
		Str("user_id", rec.UserID).
		Bool("has_refresh_token", rec.RefreshToken != "").
		Msg("token stored")

	return renderPage(c, fiber.StatusOK, tokenPageView("success", rec, time.Now()))
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleReadyz probes the token store. A missing record still counts as
// ready; only a store failure does not.
func (s *Server) handleReadyz(c *fiber.Ctx) error {
	_, err := s.store.Get(c.Context(), s.oauth.UserID())
	if err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// redirectQuery extracts the callback query parameters from a pasted
// redirect URL. A bare query string ("state=...&code=...") is accepted too.
func redirectQuery(raw string) (url.Values, error) {
	if u, err := url.Parse(raw); err == nil && u.RawQuery != "" {
		return url.ParseQuery(u.RawQuery)
	}
	if strings.Contains(raw, "=") && !strings.Contains(raw, "://") {
		return url.ParseQuery(strings.TrimPrefix(raw, "?"))
	}
	return nil, fmt.Errorf("no query parameters found in %q", raw)
}
