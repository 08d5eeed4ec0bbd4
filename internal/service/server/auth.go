package server

import (
	apperr "e2e_call/pkg/errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the user a relay token was issued to.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

func (s *HttpServer) issueToken(userID, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *HttpServer) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, apperr.ErrInvalidToken
	}
	return claims, nil
}

// authenticate reads the bearer token from the Authorization header, or from
// the token query parameter for websocket clients that cannot set headers.
func (s *HttpServer) authenticate(r *http.Request) (*Claims, error) {
	tokenString := ""
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return nil, apperr.ErrInvalidToken
		}
		tokenString = strings.TrimPrefix(h, "Bearer ")
	} else {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return nil, apperr.ErrMissingToken
	}
	return s.parseToken(tokenString)
}
