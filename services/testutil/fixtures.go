package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Gimbo67/evokeessence-settlement/libs/auth"
)

const (
	AdminOperatorID    = "op-admin-1"
	EmployeeOperatorID = "op-employee-1"
)

func GenerateJWT(operatorID string, roles []string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "evx-auth",
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
