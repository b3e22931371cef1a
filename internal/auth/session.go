// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/models"
)

// ErrInvalidToken is returned for any token that does not verify or carries unusable claims.
var ErrInvalidToken = errors.New("invalid auth token")

// privateKey and publicKey are used for signing and verifying JWT tokens.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// tokenTTL is how long issued tokens stay valid (0 => never expire).
	tokenTTL time.Duration
)

// parseTokenExpireTime reads TOKEN_EXPIRE_TIME ("never", "0", or a Go duration).
func parseTokenExpireTime() error {
	duration := os.Getenv("TOKEN_EXPIRE_TIME")
	if duration == "never" || duration == "0" || duration == "" {
		tokenTTL = 0
		return nil
	}
	d, err := time.ParseDuration(duration)
	if err != nil {
		return fmt.Errorf("failed to parse token expire time: %w", err)
	}
	tokenTTL = d
	return nil
}

// Init generates a fresh ed25519 key pair at runtime and sets the token expiration.
// Tokens signed by one process are not accepted by another; use InitFromPath in clusters.
func Init() error {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return parseTokenExpireTime()
}

// InitFromPath reads ed25519 private/public keys from file and sets the token expiration.
// The private key is optional; a verify-only process can leave privatePath empty.
func InitFromPath(privatePath, publicPath string) error {
	if privatePath != "" {
		privateKeyData, err := os.ReadFile(privatePath)
		if err != nil {
			return fmt.Errorf("failed to read private key file: %w", err)
		}
		privateKey = ed25519.PrivateKey(privateKeyData)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(publicKeyData) != ed25519.PublicKeySize {
		return fmt.Errorf("public key file holds %d bytes, want %d", len(publicKeyData), ed25519.PublicKeySize)
	}
	publicKey = ed25519.PublicKey(publicKeyData)
	return parseTokenExpireTime()
}

// CreateJWT signs a token with "sub" = player id and "role" = the identity's role.
func CreateJWT(id models.Identity) (string, error) {
	if privateKey == nil {
		return "", errors.New("no signing key loaded")
	}
	claims := jwt.MapClaims{
		"sub":  id.PlayerID.String(),
		"role": string(id.Role),
	}
	if tokenTTL > 0 {
		claims["exp"] = time.Now().Add(tokenTTL).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateJWT verifies a token and returns the identity it was issued for. A missing role
// claim means player.
func AuthenticateJWT(tokenString string) (models.Identity, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid {
		return models.Identity{}, ErrInvalidToken
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	playerID, err := uuid.Parse(sub)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: sub is not a player id", ErrInvalidToken)
	}

	id := models.Identity{PlayerID: playerID, Role: models.RolePlayer}
	if role, _ := claims["role"].(string); role != "" {
		switch models.Role(role) {
		case models.RolePlayer, models.RoleAdmin:
			id.Role = models.Role(role)
		default:
			return models.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
		}
	}
	return id, nil
}
