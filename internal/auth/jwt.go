package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalIDKey contextKey = "principal_id"

// clockSkewLeeway absorbs small clock drift between the identity provider
// and this service when checking exp/nbf.
const clockSkewLeeway = 30 * time.Second

// Claims carry the verified principal id minted by the external identity
// provider. The engine never verifies identity itself; this middleware only
// checks the provider's signature and lifts the id into the request context.
type Claims struct {
	PrincipalID string `json:"sub_id"`
	jwt.RegisteredClaims
}

// Options configure token verification. Secret is required; Issuer, when
// set, pins tokens to that identity provider.
type Options struct {
	Secret string
	Issuer string
}

func Middleware(opts Options) func(http.Handler) http.Handler {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkewLeeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	keyfunc := func(token *jwt.Token) (any, error) {
		return []byte(opts.Secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				http.Error(w, `{"error":{"code":"unauthorized","message":"missing bearer token"}}`, http.StatusUnauthorized)
				return
			}

			tokenRaw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenRaw, claims, keyfunc, parserOpts...)
			if err != nil || !token.Valid || claims.PrincipalID == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalIDKey, claims.PrincipalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func PrincipalIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(principalIDKey)
	s, ok := v.(string)
	return s, ok && s != ""
}
