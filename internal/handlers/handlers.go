// Package handlers implements the web side of the gatekeeper: the profile
// page behind each personal token, the identity-verification flow against
// the organization's OIDC provider, and the private-space invite request.
package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"spacegate/internal/linking"
	"spacegate/internal/matrix"
	"spacegate/internal/models"
	"spacegate/internal/oidc"
)

// IdentityVerifier is the slice of the OIDC verifier the handlers need.
type IdentityVerifier interface {
	AuthCodeURL(state string) string
	Complete(ctx context.Context, code string) (*oidc.Identity, error)
}

// Inviter issues Matrix invites into the private space.
type Inviter interface {
	Invite(ctx context.Context, roomID, userID, reason string) error
}

type Handler struct {
	linking        *linking.Service
	verifier       IdentityVerifier
	inviter        Inviter
	privateSpaceID string
	baseURL        string
	log            *slog.Logger
	tmpl           *template.Template
}

func New(l *linking.Service, v IdentityVerifier, inv Inviter, privateSpaceID, baseURL string, log *slog.Logger) *Handler {
	return &Handler{
		linking:        l,
		verifier:       v,
		inviter:        inv,
		privateSpaceID: privateSpaceID,
		baseURL:        strings.TrimRight(baseURL, "/"),
		log:            log,
		tmpl:           mustTemplates(),
	}
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "home", map[string]any{"Title": "Gatekeeper"})
}

func (h *Handler) Privacy(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "privacy", map[string]any{"Title": "Privacy"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Profile shows the linking state behind a token: unverified, verified but
// not yet in the private space, or fully onboarded.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}

	data := map[string]any{
		"Title":  "Your profile",
		"UserID": p.UserID,
		"Token":  p.Token,
		"Email":  p.AccountEmail,
	}
	switch {
	case p.AccountEmail == "":
		h.render(w, http.StatusOK, "profile_verify", data)
	case !p.JoinedPrivateSpace:
		h.render(w, http.StatusOK, "profile_join", data)
	default:
		h.render(w, http.StatusOK, "profile_complete", data)
	}
}

// LinkStart kicks off the OIDC flow: it pins the token and a fresh state
// value in cookies, then sends the browser to the identity provider.
func (h *Handler) LinkStart(w http.ResponseWriter, r *http.Request) {
	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}

	state, err := models.NewToken()
	if err != nil {
		h.log.Error("generating oauth state", "err", err)
		h.renderError(w, http.StatusInternalServerError, "Something went wrong generating the login request.")
		return
	}
	setFlowCookie(w, cookieLinkToken, p.Token)
	setFlowCookie(w, cookieOAuthState, state)
	http.Redirect(w, r, h.verifier.AuthCodeURL(state), http.StatusFound)
}

// Authorize is the OIDC redirect target. It checks the state, completes the
// code exchange, and links the chat user behind the cookie-pinned token to
// the verified account.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.log.Warn("identity provider returned an error", "error", e)
		h.renderError(w, http.StatusBadRequest, "The identity provider refused the login. Try again from your profile page.")
		return
	}

	stateCookie, err := r.Cookie(cookieOAuthState)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != q.Get("state") {
		h.renderError(w, http.StatusBadRequest, "The login request is stale or was not started here. Try again from your profile page.")
		return
	}
	tokenCookie, err := r.Cookie(cookieLinkToken)
	if err != nil || tokenCookie.Value == "" {
		h.renderError(w, http.StatusForbidden, "No profile is attached to this login. Open your personal link from the bot's message and try again.")
		return
	}

	identity, err := h.verifier.Complete(r.Context(), q.Get("code"))
	switch {
	case errors.Is(err, oidc.ErrNotVerified):
		h.renderError(w, http.StatusForbidden, "Your email address has not been verified by the identity provider yet. Verify it, then try again.")
		return
	case errors.Is(err, oidc.ErrEmailRejected):
		h.renderError(w, http.StatusForbidden, "This account does not belong to the organization, so it cannot access the students area.")
		return
	case err != nil:
		h.log.Warn("completing oidc flow", "err", err)
		h.renderError(w, http.StatusBadRequest, "The login could not be completed. Try again from your profile page.")
		return
	}

	token := tokenCookie.Value
	res, err := h.linking.Redeem(token, identity.Email, identity.FirstName, identity.LastName)
	if errors.Is(err, linking.ErrTokenNotFound) {
		h.renderNotFound(w)
		return
	}
	if err != nil {
		h.log.Error("redeeming token", "err", err)
		h.renderError(w, http.StatusInternalServerError, "Something went wrong saving the link. Try again from your profile page.")
		return
	}

	clearFlowCookie(w, cookieLinkToken)
	clearFlowCookie(w, cookieOAuthState)

	h.log.Info("account linked via web", "user", res.UserID)
	http.Redirect(w, r, "/profile/"+token+"/invite", http.StatusFound)
}

// Invite asks the bot account to invite the linked chat user into the
// private space, then bounces back to the profile page.
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}
	if p.AccountEmail == "" {
		h.renderError(w, http.StatusForbidden, "Verify your identity before requesting an invite.")
		return
	}

	err := h.inviter.Invite(r.Context(), h.privateSpaceID, p.UserID, "Account linked")
	var reqErr *matrix.RequestError
	switch {
	case errors.As(err, &reqErr) && reqErr.Status == http.StatusForbidden:
		// Typically the user is already in the space, or was banned.
		h.log.Warn("invite forbidden", "user", p.UserID, "errcode", reqErr.ErrCode)
		h.renderError(w, http.StatusInternalServerError, "The invite was refused. If you are already a member of the students area everything is fine; otherwise contact an administrator.")
		return
	case errors.As(err, &reqErr) && reqErr.Status == http.StatusTooManyRequests:
		h.renderError(w, http.StatusInternalServerError, "The chat server is rate limiting invites. Wait a minute and try again.")
		return
	case err != nil:
		h.log.Error("inviting user", "user", p.UserID, "err", err)
		h.renderError(w, http.StatusInternalServerError, "The invite could not be sent. Try again later.")
		return
	}

	http.Redirect(w, r, "/profile/"+p.Token, http.StatusFound)
}

// QR serves the profile link as a PNG, for onboarding posters and the
// profile page itself.
func (h *Handler) QR(w http.ResponseWriter, r *http.Request) {
	p, ok := h.profileFor(w, r)
	if !ok {
		return
	}

	png, err := qrcode.Encode(h.baseURL+"/profile/"+p.Token, qrcode.Medium, 256)
	if err != nil {
		h.log.Error("encoding qr", "err", err)
		http.Error(w, "failed to generate QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// profileFor resolves the {token} route parameter, rendering a 404 page and
// returning ok=false when it matches nothing.
func (h *Handler) profileFor(w http.ResponseWriter, r *http.Request) (*linking.Profile, bool) {
	token := chi.URLParam(r, "token")
	p, err := h.linking.LookupByToken(token)
	if errors.Is(err, linking.ErrTokenNotFound) {
		h.renderNotFound(w)
		return nil, false
	}
	if err != nil {
		h.log.Error("looking up token", "err", err)
		h.renderError(w, http.StatusInternalServerError, "Something went wrong loading the profile.")
		return nil, false
	}
	return p, true
}

func (h *Handler) render(w http.ResponseWriter, status int, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.tmpl.ExecuteTemplate(w, page, data); err != nil {
		h.log.Error("rendering page", "page", page, "err", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, status int, message string) {
	h.render(w, status, "error", map[string]any{"Title": "Something went wrong", "Message": message})
}

func (h *Handler) renderNotFound(w http.ResponseWriter) {
	h.render(w, http.StatusNotFound, "error", map[string]any{
		"Title":   "Profile not found",
		"Message": "No profile matches this link. Open the personal link the bot sent you on Matrix.",
	})
}
