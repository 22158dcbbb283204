package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/papertrade/internal/ledger"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidUser        = errors.New("invalid user")
	ErrDuplicateKey       = errors.New("api key already registered")
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string     `json:"jwt_token"`
	Expiration time.Time  `json:"expiration"`
	UserID     string     `json:"user_id"`
	Role       types.Role `json:"role"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string     `json:"user_id"`
	Role   types.Role `json:"role"`
}

// Service issues and checks tokens for API credentials stored in the database
type Service struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	jwtSecret []byte
	ttl       time.Duration
}

// NewService creates a new authentication service with the given JWT secret
func NewService(gormDB *gorm.DB, l *ledger.Ledger, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:        gormDB,
		ledger:    l,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
	}
}

// GenerateToken generates a JWT token for valid API credentials. The token
// carries the user id and role bound to the key.
func (s *Service) GenerateToken(ctx context.Context, creds Credentials) (*TokenResponse, error) {
	var cred types.APICredential
	err := s.db.WithContext(ctx).Where("api_key = ?", creds.APIKey).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(creds.APISecret)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.UserID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: cred.UserID,
		Role:   cred.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		UserID:     cred.UserID,
		Role:       cred.Role,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Authenticate satisfies middleware.Authenticator
func (s *Service) Authenticate(tokenString string) (types.Principal, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return types.Principal{}, err
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return types.Principal{}, ErrInvalidToken
	}
	return types.Principal{UserID: claims.UserID, Role: claims.Role}, nil
}

// RegisteredUser is returned once, when the secret is still known
type RegisteredUser struct {
	UserID    string     `json:"user_id"`
	Role      types.Role `json:"role"`
	APIKey    string     `json:"api_key"`
	APISecret string     `json:"api_secret"`
}

// RegisterUser stores new credentials for userID and opens its trading
// account in the same transaction. Empty key or secret are generated.
func (s *Service) RegisterUser(ctx context.Context, userID string, role types.Role, apiKey, apiSecret string) (*RegisteredUser, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > 64 || !role.Valid() {
		return nil, ErrInvalidUser
	}
	if apiKey == "" {
		apiKey = "pk_" + randomHex(16)
	}
	if apiSecret == "" {
		apiSecret = randomHex(24)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(apiSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&types.APICredential{
			APIKey:     apiKey,
			SecretHash: string(hash),
			UserID:     userID,
			Role:       role,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrDuplicateKey
		}
		_, err := s.ledger.Open(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("service", "auth").Str("user_id", userID).Str("role", string(role)).Msg("user registered")
	return &RegisteredUser{UserID: userID, Role: role, APIKey: apiKey, APISecret: apiSecret}, nil
}

// EnsureUser registers the credentials unless the key already exists. Used to
// bootstrap the administrator from configuration.
func (s *Service) EnsureUser(ctx context.Context, userID string, role types.Role, apiKey, apiSecret string) error {
	_, err := s.RegisterUser(ctx, userID, role, apiKey, apiSecret)
	if errors.Is(err, ErrDuplicateKey) {
		return nil
	}
	return err
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createUserRequest struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(c.Request.Context(), creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		if err != nil {
			log.Error().Err(err).Str("service", "auth").Msg("token generation failed")
			response.InternalError(c, "An unexpected error occurred")
			return
		}
		response.WithStatus(c, http.StatusOK, token)
	}
}

// CreateUserHandler handles admin POST requests that register a user
func (h *GinHandlers) CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		role := types.RoleUser
		if req.Role != "" {
			r, ok := types.ParseRole(req.Role)
			if !ok {
				response.ValidationFailed(c, "role must be USER or ADMIN")
				return
			}
			role = r
		}

		user, err := h.service.RegisterUser(c.Request.Context(), req.UserID, role, req.APIKey, req.APISecret)
		switch {
		case err == nil:
			response.Success(c, user)
		case errors.Is(err, ErrInvalidUser):
			response.ValidationFailed(c, "user_id is required and at most 64 characters")
		case errors.Is(err, ErrDuplicateKey):
			response.Conflict(c, "API key already registered")
		default:
			log.Error().Err(err).Str("service", "auth").Msg("user registration failed")
			response.InternalError(c, "An unexpected error occurred")
		}
	}
}
