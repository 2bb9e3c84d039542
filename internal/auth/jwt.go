// Package auth issues and checks the device tokens that guard the relay endpoints.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	roleDevice        = "device"
	defaultTokenTTL   = 24 * time.Hour
	minSecretLength   = 16
	contextKeyClaims  = "auth.claims"
	bearerPrefix      = "Bearer "
	developmentSecret = "revvoice-development-secret"
)

// ErrMissingToken is returned when a request carries no bearer token
var ErrMissingToken = errors.New("missing authorization token")

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig holds the signing settings
type JWTConfig struct {
	Secret   string
	TokenTTL time.Duration
}

// NewJWTConfigFromEnv reads JWT_SECRET and JWT_TOKEN_TTL
func NewJWTConfigFromEnv() (JWTConfig, error) {
	config := JWTConfig{Secret: os.Getenv("JWT_SECRET")}
	if ttl := os.Getenv("JWT_TOKEN_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return config, fmt.Errorf("invalid JWT_TOKEN_TTL: %w", err)
		}
		config.TokenTTL = d
	}
	return config, nil
}

// ValidateJWTConfig validates the configuration and applies defaults
func ValidateJWTConfig(config *JWTConfig, logger *zap.Logger) error {
	if config.Secret == "" {
		config.Secret = developmentSecret
		logger.Warn("JWT_SECRET not set, using development secret")
	}
	if len(config.Secret) < minSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", minSecretLength)
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = defaultTokenTTL
		logger.Info("Using default token TTL", zap.Duration("ttl", config.TokenTTL))
	}
	if config.TokenTTL < time.Minute {
		return fmt.Errorf("token TTL must be at least 1m, got %s", config.TokenTTL)
	}
	return nil
}

// JWTManager signs and validates device tokens
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTManager creates a manager from a validated configuration
func NewJWTManager(config JWTConfig) *JWTManager {
	return &JWTManager{
		secret: []byte(config.Secret),
		ttl:    config.TokenTTL,
		now:    time.Now,
	}
}

// GenerateDeviceToken generates a JWT token for device authentication
func (m *JWTManager) GenerateDeviceToken(deviceID string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     roleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (m *JWTManager) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.Role != roleDevice || claims.DeviceID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// TokenFromRequest extracts the bearer token. Browsers cannot set headers on
// websocket upgrades, so the token query parameter is accepted as well.
func TokenFromRequest(c echo.Context) (string, error) {
	if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), nil
	}
	if token := c.QueryParam("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Middleware rejects requests without a valid device token and stores the
// claims on the echo context.
func (m *JWTManager) Middleware(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := TokenFromRequest(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing or malformed authorization token.")
			}

			claims, err := m.ValidateToken(token)
			if err != nil {
				logger.Debug("Rejected token", zap.String("path", c.Path()), zap.Error(err))
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token.")
			}

			c.Set(contextKeyClaims, claims)
			return next(c)
		}
	}
}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(c echo.Context) (*JWTClaims, bool) {
	claims, ok := c.Get(contextKeyClaims).(*JWTClaims)
	return claims, ok
}
