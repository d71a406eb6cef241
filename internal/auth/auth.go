package auth

import (
	"context"
	"net/http"
	"strings"

	"crm-flow/internal/config"
	"crm-flow/internal/domain"
	"crm-flow/internal/logging"

	"github.com/coreos/go-oidc"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const principalKey = "crmflow.principal"

// Claims are the token claims a principal is built from. The org and roles
// are custom claims issued by the identity provider.
type Claims struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles"`
}

// Verifier checks a raw bearer token. *oidc.IDTokenVerifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Auth resolves the caller of each API request into a domain.Principal.
type Auth struct {
	verifier  Verifier
	bypass    bool
	devCaller domain.Principal
	log       logrus.FieldLogger
}

// New discovers the configured issuer and prepares a verifier for bearer
// tokens. With auth.dev_bypass set no provider is contacted and every
// request runs as the configured dev user.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Auth, error) {
	a := &Auth{
		bypass: cfg.Auth.DevBypass,
		devCaller: domain.Principal{
			UserID: cfg.Auth.DevUser,
			OrgID:  cfg.Auth.DevOrg,
			Roles:  cfg.Auth.DevRoles,
		},
		log: logging.Component(log, "auth"),
	}
	if a.bypass {
		a.log.WithField("user", a.devCaller.UserID).Warn("authentication bypass enabled")
		return a, nil
	}

	if cfg.Auth.Issuer == "" || cfg.Auth.ClientID == "" {
		return nil, errors.New("auth configuration is incomplete")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, errors.Wrap(err, "discover oidc provider")
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	return a, nil
}

// NewWithVerifier builds an Auth around an existing verifier.
func NewWithVerifier(v Verifier, log logrus.FieldLogger) *Auth {
	return &Auth{verifier: v, log: logging.Component(log, "auth")}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller for handlers to read with PrincipalFrom.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.bypass {
			c.Set(principalKey, a.devCaller)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := a.verifier.Verify(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.log.WithError(err).Debug("bearer token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var claims Claims
		if err := token.Claims(&claims); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "failed to parse token claims"})
			return
		}
		p, err := claims.Principal()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// Principal maps the claims to a caller. The email is used as the user id
// when the subject is empty.
func (cl Claims) Principal() (domain.Principal, error) {
	user := strings.TrimSpace(cl.Subject)
	if user == "" {
		user = strings.TrimSpace(cl.Email)
	}
	if user == "" {
		return domain.Principal{}, errors.New("token has no subject")
	}
	org := strings.TrimSpace(cl.OrgID)
	if org == "" {
		return domain.Principal{}, errors.New("token has no org_id claim")
	}
	return domain.Principal{UserID: user, OrgID: org, Roles: cl.Roles}, nil
}

// PrincipalFrom returns the caller stored by RequireAuth.
func PrincipalFrom(c *gin.Context) (domain.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}

// WithPrincipal stores p on c. Tests and internal callers use it in place of
// RequireAuth.
func WithPrincipal(c *gin.Context, p domain.Principal) {
	c.Set(principalKey, p)
}
