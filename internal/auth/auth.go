// Package auth authenticates users against Discord OAuth2 and tracks them
// across requests with a signed session cookie. Only members of the
// configured guild may log in.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"

	"github.com/unitedctf/instancer/internal/config"
	"github.com/unitedctf/instancer/internal/sentinel"
	"github.com/unitedctf/instancer/internal/store"
)

// ErrNotInGuild is returned by CompleteLogin for Discord accounts outside
// the configured guild.
const ErrNotInGuild = sentinel.Error("user is not a member of the configured guild")

// ErrBadState is returned by CompleteLogin when the OAuth2 state parameter
// does not match the one issued to this session.
const ErrBadState = sentinel.Error("oauth2 state mismatch")

const (
	sessionName   = "instancer_session"
	sessionMaxAge = 7 * 24 * 60 * 60 // seconds

	userIDKey = "user_id"
	stateKey  = "oauth_state"
)

// discordEndpoint is Discord's OAuth2 endpoint pair.
var discordEndpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

const discordAPIBase = "https://discord.com/api/v10"

// discordUser is the subset of /users/@me this service keeps.
type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
}

type discordGuild struct {
	ID string `json:"id"`
}

// NewAuthenticatorParams collects the collaborators of an Authenticator.
type NewAuthenticatorParams struct {
	Store         *store.Store
	Discord       config.Discord
	SessionSecret string
	Logger        *slog.Logger
}

// Authenticator runs the OAuth2 login flow and owns the session cookie
// store.
type Authenticator struct {
	oauth    *oauth2.Config
	apiBase  string
	serverID string
	store    *store.Store
	sessions *sessions.CookieStore
	log      *slog.Logger
}

// NewAuthenticator creates an Authenticator. Panics when the store or the
// session secret is missing.
func NewAuthenticator(p NewAuthenticatorParams) *Authenticator {
	if p.Store == nil {
		panic("auth: NewAuthenticator requires a store")
	}
	if p.SessionSecret == "" {
		panic("auth: NewAuthenticator requires a session secret")
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	cs := sessions.NewCookieStore([]byte(p.SessionSecret))
	cs.Options.HttpOnly = true
	cs.Options.SameSite = http.SameSiteLaxMode
	cs.Options.MaxAge = sessionMaxAge

	return &Authenticator{
		oauth: &oauth2.Config{
			ClientID:     p.Discord.ClientID,
			ClientSecret: p.Discord.ClientSecret,
			RedirectURL:  p.Discord.RedirectURL,
			Scopes:       []string{"identify", "guilds"},
			Endpoint:     discordEndpoint,
		},
		apiBase:  discordAPIBase,
		serverID: p.Discord.ServerID,
		store:    p.Store,
		sessions: cs,
		log:      log.With("component", "auth"),
	}
}

// SetEndpoints overrides the Discord OAuth2 endpoints and REST base URL.
// Used by tests to point the flow at a stub server.
func (a *Authenticator) SetEndpoints(authURL, tokenURL, apiBase string) {
	a.oauth.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
	a.apiBase = apiBase
}

// BeginLogin issues a fresh OAuth2 state, stores it in the session and
// returns the Discord authorization URL to redirect the client to.
func (a *Authenticator) BeginLogin(w http.ResponseWriter, r *http.Request) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	state := hex.EncodeToString(buf)

	sess, _ := a.sessions.Get(r, sessionName)
	sess.Values[stateKey] = state
	if err := sess.Save(r, w); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return a.oauth.AuthCodeURL(state), nil
}

// CompleteLogin handles the OAuth2 callback: it verifies the state,
// exchanges the code, checks guild membership, upserts the user record and
// binds the session to the user id.
func (a *Authenticator) CompleteLogin(ctx context.Context, w http.ResponseWriter, r *http.Request) (*store.User, error) {
	sess, _ := a.sessions.Get(r, sessionName)
	wantState, _ := sess.Values[stateKey].(string)
	if wantState == "" || r.FormValue("state") != wantState {
		return nil, ErrBadState
	}
	delete(sess.Values, stateKey)

	tok, err := a.oauth.Exchange(ctx, r.FormValue("code"))
	if err != nil {
		return nil, fmt.Errorf("exchange oauth code: %w", err)
	}
	client := a.oauth.Client(ctx, tok)

	var du discordUser
	if err := getJSON(client, a.apiBase+"/users/@me", &du); err != nil {
		return nil, fmt.Errorf("fetch discord user: %w", err)
	}

	var guilds []discordGuild
	if err := getJSON(client, a.apiBase+"/users/@me/guilds", &guilds); err != nil {
		return nil, fmt.Errorf("fetch discord guilds: %w", err)
	}
	if !memberOf(guilds, a.serverID) {
		a.log.Warn("rejected login from outside the guild", "user", du.ID, "username", du.Username)
		return nil, fmt.Errorf("user %s: %w", du.ID, ErrNotInGuild)
	}

	user := &store.User{
		ID:           du.ID,
		Username:     du.Username,
		DisplayName:  displayName(du),
		Avatar:       avatarURL(du),
		CreationTime: time.Now().UnixMilli(),
	}
	if err := a.store.InsertUser(ctx, user); err != nil && !errors.Is(err, store.ErrUserExists) {
		return nil, err
	}

	sess.Values[userIDKey] = user.ID
	if err := sess.Save(r, w); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	a.log.Info("user logged in", "user", user.ID, "username", user.Username)
	return user, nil
}

// UserID returns the authenticated user id bound to the request's session.
func (a *Authenticator) UserID(r *http.Request) (string, bool) {
	sess, _ := a.sessions.Get(r, sessionName)
	id, ok := sess.Values[userIDKey].(string)
	return id, ok && id != ""
}

// Logout invalidates the request's session cookie.
func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request) error {
	sess, _ := a.sessions.Get(r, sessionName)
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do with it

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func memberOf(guilds []discordGuild, serverID string) bool {
	for _, g := range guilds {
		if g.ID == serverID {
			return true
		}
	}
	return false
}

// displayName prefers the account's global display name over the login
// name.
func displayName(u discordUser) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// avatarURL resolves the CDN URL of the user's avatar, or a deterministic
// default embed when the account has none.
func avatarURL(u discordUser) string {
	if u.Avatar == "" {
		return "https://cdn.discordapp.com/embed/avatars/0.png"
	}
	return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", u.ID, u.Avatar)
}
