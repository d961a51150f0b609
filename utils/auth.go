package utils

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"speedcode/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims defines the structure of the session token claims. Sessions are
// anonymous: there is no password and no email, only the assigned uid and the
// chosen display name (if any) at signing time.
type Claims struct {
	UID      string `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// GenerateSessionToken creates a signed session token for an anonymous user.
func GenerateSessionToken(uid, username string, cfg *config.Config) (string, error) {
	if cfg.JwtSecret == "" {
		log.Println("CRITICAL: Session secret is empty. Cannot generate token.")
		return "", errors.New("session secret is not configured")
	}

	expirationTime := time.Now().Add(cfg.TokenLifetime)
	claims := &Claims{
		UID:      uid,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "speedcode",
			Subject:   uid,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JwtSecret))
	if err != nil {
		log.Printf("ERROR: Failed to sign session token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateSessionToken parses and validates a session token string.
// Returns the claims if valid, otherwise returns an error.
func ValidateSessionToken(tokenString string, cfg *config.Config) (*Claims, error) {
	if cfg.JwtSecret == "" {
		log.Println("CRITICAL: Session secret is empty. Cannot validate token.")
		return nil, errors.New("session secret is not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JwtSecret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Printf("INFO: Session token validation failed: token expired")
			return nil, errors.New("token has expired")
		}
		log.Printf("WARN: Session token validation failed: %v", err)
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if !token.Valid {
		log.Printf("WARN: Session token validation failed: token marked as invalid")
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// AuthMiddleware creates a Gin middleware function to protect routes.
// It validates the session token from the Authorization header and stores
// the uid and username in the request context for handlers to use.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			GinUnauthorized(c, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			GinError(c, http.StatusBadRequest, "Authorization header format must be Bearer {token}")
			return
		}

		claims, err := ValidateSessionToken(parts[1], cfg)
		if err != nil {
			GinUnauthorized(c, fmt.Sprintf("Invalid token: %v", err))
			return
		}

		c.Set("uid", claims.UID)
		c.Set("username", claims.Username)

		c.Next()
	}
}
