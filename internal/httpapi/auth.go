package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderClientID identifies the caller when bearer auth is off.
const HeaderClientID = "X-Client-ID"

var errMissingToken = errors.New("missing bearer token")

// clientClaims are the bearer token claims. Subject is the client id.
type clientClaims struct {
	Trusted bool `json:"trusted,omitempty"`
	jwt.RegisteredClaims
}

// Client is the caller identity attached to each request.
type Client struct {
	ID      string
	Trusted bool
}

type clientKey struct{}

func clientFrom(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

type identifier struct {
	secret []byte
}

// identify resolves the caller: a verified HS256 token subject when a secret
// is configured, otherwise X-Client-ID, otherwise the remote host.
func (id identifier) identify(r *http.Request) (Client, error) {
	if len(id.secret) > 0 {
		return id.fromToken(r.Header.Get("Authorization"))
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderClientID)); v != "" {
		return Client{ID: v}, nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return Client{ID: host}, nil
}

func (id identifier) fromToken(header string) (Client, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Client{}, errMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return Client{}, errors.New("authorization header must be: Bearer <token>")
	}

	claims := &clientClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(*jwt.Token) (interface{}, error) {
		return id.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Client{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return Client{}, errors.New("invalid token")
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Client{}, errors.New("token has no subject")
	}
	return Client{ID: sub, Trusted: claims.Trusted}, nil
}

// IssueToken signs a client token with secret. Used by the CLI and tests.
func IssueToken(secret []byte, clientID string, trusted bool) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty secret")
	}
	claims := clientClaims{
		Trusted:          trusted,
		RegisteredClaims: jwt.RegisteredClaims{Subject: clientID},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) withClient(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.ident.identify(r)
		if err != nil {
			s.log.Debug("request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, c)))
	}
}
