package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/Galaxerum/dif-bot/internal/repository"
	"github.com/Galaxerum/dif-bot/pkg/config"
	"github.com/Galaxerum/dif-bot/pkg/crypto"
	jwtpkg "github.com/Galaxerum/dif-bot/pkg/jwt"
)

var (
	// ErrAuthDisabled means no admin code hash is configured.
	ErrAuthDisabled = errors.New("admin authentication is not configured")
	// ErrInvalidCode rejects a wrong admin code.
	ErrInvalidCode = errors.New("invalid admin code")
	// ErrNotAdmin rejects tokens whose subject is not a registered admin.
	ErrNotAdmin = errors.New("admin rights required")
)

// Service handles admin authentication workflows.
type Service struct {
	admins repository.AdminRepository
	logger *slog.Logger
	cfg    config.ServiceConfig
}

// New constructs a Service.
func New(admins repository.AdminRepository, logger *slog.Logger, cfg config.ServiceConfig) Service {
	return Service{admins: admins, logger: logger, cfg: cfg}
}

// Token is an issued admin access token.
type Token struct {
	UserID      int64         `json:"user_id"`
	AccessToken string        `json:"access_token"`
	ExpiresIn   time.Duration `json:"expires_in"`
}

// Exchange verifies the admin code, registers userID as an admin and issues
// an access token.
func (s Service) Exchange(ctx context.Context, userID int64, code string) (Token, error) {
	if strings.TrimSpace(s.cfg.AdminCodeHash) == "" {
		return Token{}, ErrAuthDisabled
	}
	if userID <= 0 || strings.TrimSpace(code) == "" {
		return Token{}, ErrInvalidCode
	}
	if err := crypto.CompareCode(s.cfg.AdminCodeHash, code); err != nil {
		if errors.Is(err, crypto.ErrCodeMismatch) {
			s.logger.Warn("admin code rejected", "user_id", userID)
			return Token{}, ErrInvalidCode
		}
		return Token{}, err
	}
	if err := s.admins.AddAdmin(ctx, userID); err != nil {
		return Token{}, err
	}
	access, err := jwtpkg.GenerateAdminToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Token{}, err
	}
	s.logger.Info("admin token issued", "user_id", userID)
	return Token{UserID: userID, AccessToken: access, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

// Authorize validates a bearer token and checks the admin registry.
func (s Service) Authorize(ctx context.Context, token string) (*jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	if !claims.IsAdmin() {
		return nil, ErrNotAdmin
	}
	ok, err := s.admins.IsAdmin(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAdmin
	}
	return claims, nil
}
