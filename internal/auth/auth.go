// Package auth verifies the bearer tokens presented to the API and the
// terminal gateway. Tokens are JWTs signed either with a shared HMAC secret
// or by an identity provider publishing a JWKS.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/store"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Roles carried in the "role" claim.
const (
	RoleLearner    = "learner"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Claims are the labkasten access token claims. The user id comes from the
// "user_id" claim when present, otherwise from the subject.
type Claims struct {
	jwt.RegisteredClaims
	UserIDClaim string `json:"user_id,omitempty"`
	Role        string `json:"role"`
	CourseID    string `json:"course_id,omitempty"`
}

// UserID returns the "user_id" claim, falling back to the token subject.
func (c *Claims) UserID() string {
	if c.UserIDClaim != "" {
		return c.UserIDClaim
	}
	return c.Subject
}

// IsStaff reports whether the caller may act on other users' sessions.
func (c *Claims) IsStaff() bool {
	return c.Role == RoleAdmin || c.Role == RoleInstructor
}

// IsAdmin reports whether the caller may see every user's sessions.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// CanAccess reports whether the caller may operate on a session owned by ownerID.
func (c *Claims) CanAccess(ownerID string) bool {
	return c.IsStaff() || (c.UserID() != "" && c.UserID() == ownerID)
}

// InCourse reports whether the token's course scope admits courseID. Staff
// tokens and tokens without a course_id are unscoped.
func (c *Claims) InCourse(courseID string) bool {
	return c.IsStaff() || c.CourseID == "" || c.CourseID == courseID
}

// CanAccessSession combines the owner and course checks for sess.
func (c *Claims) CanAccessSession(sess *store.Session) bool {
	return c.CanAccess(sess.UserID) && c.InCourse(sess.CourseID)
}

// Verifier checks tokens and returns their claims.
type Verifier struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
	jwks     *keyfunc.JWKS
}

// NewVerifier builds a verifier from config. It returns (nil, nil) when
// neither a secret nor a JWKS URL is configured; callers treat that as
// open access for local development.
func NewVerifier(cfg config.AuthConfig, logger *slog.Logger) (*Verifier, error) {
	v := &Verifier{issuer: cfg.Issuer, audience: cfg.Audience}

	switch {
	case cfg.JWTSecret != "":
		secret := []byte(cfg.JWTSecret)
		v.methods = []string{"HS256", "HS384", "HS512"}
		v.keyfunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}

	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.Error("refreshing JWKS", "url", cfg.JWKSURL, "error", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetching JWKS from %s: %w", cfg.JWKSURL, err)
		}
		logger.Info("loaded JWKS", "url", cfg.JWKSURL)
		v.jwks = jwks
		v.keyfunc = jwks.Keyfunc
		v.methods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}

	default:
		return nil, nil
	}
	return v, nil
}

// Verify parses tokenString, checks its signature, expiry and, when
// configured, issuer and audience.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods(v.methods))
	if _, err := parser.ParseWithClaims(tokenString, claims, v.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: bad issuer %q", ErrUnauthorized, claims.Issuer)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: bad audience", ErrUnauthorized)
	}
	if claims.UserID() == "" {
		return nil, fmt.Errorf("%w: token has no user_id or subject", ErrUnauthorized)
	}
	switch claims.Role {
	case "":
		claims.Role = RoleLearner
	case RoleLearner, RoleInstructor, RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, claims.Role)
	}
	return claims, nil
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v != nil && v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// DevClaims are used for every request when no verifier is configured.
func DevClaims() *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"},
		Role:             RoleAdmin,
	}
}
