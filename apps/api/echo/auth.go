package echoapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/user"
)

const (
	audienceAPI    = "api"
	audienceStream = "stream"

	contextClaimsKey   = "claims"
	contextIdentityKey = "identity"
)

// Claims represents the authorization claims transmitted via a JWT.
// The subject is the user id, which is only unique per user type.
type Claims struct {
	jwt.RegisteredClaims
	UserType       user.UserType `json:"user_type"`
	Name           string        `json:"name,omitempty"`
	ConversationID int64         `json:"cid,omitempty"` // stream tokens of a conversation
}

func (c Claims) Identity() user.Identity {
	return user.Identity{UserID: c.Subject, UserType: c.UserType, DisplayName: c.Name}
}

// GetUserClaims returns the API claims of ident, valid for jwt.expirationDelta.
func GetUserClaims(conf *core.Config, ident user.Identity) *Claims {
	return newClaims(conf, ident, audienceAPI, conf.JWT.ExpirationDelta)
}

// GetStreamClaims returns short-lived claims to open the stream of a conversation (or the notifications stream if 0).
// They are passed in the query string, as EventSource cannot set headers.
func GetStreamClaims(conf *core.Config, ident user.Identity, convID int64) *Claims {
	claims := newClaims(conf, ident, audienceStream, conf.Sync.StreamTokenTTL)
	claims.ConversationID = convID
	return claims
}

func newClaims(conf *core.Config, ident user.Identity, audience string, ttl time.Duration) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    conf.AppName,
			Subject:   ident.UserID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserType: ident.UserType,
		Name:     ident.DisplayName,
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func parseToken(conf *core.Config, tokenStr, audience string) (*Claims, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(*jwt.Token) (interface{}, error) { return []byte(conf.SecretKey), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(conf.AppName),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errInvalidToken.WithInternal(err)
	}
	if claims.Subject == "" || !claims.UserType.Valid() {
		return nil, errInvalidToken
	}
	return claims, nil
}

// authMiddleware resolves the caller identity from the bearer token, once per request.
func authMiddleware(conf *core.Config) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey:  contextClaimsKey,
		TokenLookup: "header:" + echo.HeaderAuthorization + ":Bearer ",
		ParseTokenFunc: func(_ echo.Context, tokenStr string) (interface{}, error) {
			return parseToken(conf, tokenStr, audienceAPI)
		},
		SuccessHandler: func(ctx echo.Context) {
			if claims, ok := ctx.Get(contextClaimsKey).(*Claims); ok {
				ctx.Set(contextIdentityKey, claims.Identity())
			}
		},
	})
}

// streamAuth resolves the identity of a stream token issued for convID.
func streamAuth(ctx echo.Context, conf *core.Config, convID int64) (user.Identity, error) {
	tokenStr := ctx.QueryParam("token")
	if tokenStr == "" {
		return user.Identity{}, errUnauthorized
	}
	claims, err := parseToken(conf, tokenStr, audienceStream)
	if err != nil {
		return user.Identity{}, err
	}
	if claims.ConversationID != convID {
		return user.Identity{}, errHttpForbidden
	}
	ident := claims.Identity()
	ctx.Set(contextIdentityKey, ident)
	return ident, nil
}

func contextIdentity(ctx echo.Context) (user.Identity, bool) {
	ident, ok := ctx.Get(contextIdentityKey).(user.Identity)
	return ident, ok
}

func getContextIdentity(ctx echo.Context) (user.Identity, error) {
	if ident, ok := contextIdentity(ctx); ok {
		return ident, nil
	}
	return user.Identity{}, core.ErrUnauthenticated
}
