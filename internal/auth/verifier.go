package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/model"
)

type Claims struct {
	jwt.RegisteredClaims
	UserName  string `json:"userName,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Identity is the trusted user a connection or request acts as.
type Identity struct {
	UserID    string
	UserName  string
	FirstName string
	LastName  string
}

func (i *Identity) Profile() model.Profile {
	return model.Profile{
		UserName:  i.UserName,
		FirstName: i.FirstName,
		LastName:  i.LastName,
	}
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok
}

// Verifier checks HS256 tokens issued by the users service.
type Verifier struct {
	secret    []byte
	audience  string
	jwtParser *jwt.Parser
}

func NewVerifier(secret, audience string) *Verifier {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(audience),
	)

	return &Verifier{
		secret:    []byte(secret),
		audience:  audience,
		jwtParser: jwtParser,
	}
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return v.secret, nil
}

func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, apperrors.Unauthorized("Missing token")
	}

	claims := Claims{}
	_, err := v.jwtParser.ParseWithClaims(tokenString, &claims, v.keyFunc)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, apperrors.New(apperrors.ErrCodeTokenExpired, "Token expired").WithCause(err)
	}
	if err != nil {
		return nil, apperrors.InvalidToken("Invalid token").WithCause(err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, apperrors.InvalidToken("Invalid subject claim")
	}

	return &Identity{
		UserID:    subject,
		UserName:  claims.UserName,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
	}, nil
}

// Issue signs a token for identity. Used by development tooling and tests;
// production tokens come from the users service.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserName:  identity.UserName,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
