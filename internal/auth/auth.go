// Package auth resolves bearer credentials to stable user identifiers and
// handles registration/login. Passwords are bcrypt-hashed; sessions are
// stateless HS256 JWTs.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrAccountInactive    = errors.New("account has been deactivated")
)

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	City     string `json:"city"`
}

func (r RegisterRequest) validate() error {
	var errs []error
	if n := len(strings.TrimSpace(r.Name)); n < 2 || n > 50 {
		errs = append(errs, fmt.Errorf("name must be between 2 and 50 characters"))
	}
	if !strings.Contains(r.Email, "@") {
		errs = append(errs, fmt.Errorf("valid email is required"))
	}
	if r.Phone == "" {
		errs = append(errs, fmt.Errorf("phone number is required"))
	}
	if len(r.Password) < 6 {
		errs = append(errs, fmt.Errorf("password must be at least 6 characters"))
	}
	if strings.TrimSpace(r.City) == "" {
		errs = append(errs, fmt.Errorf("city is required"))
	}
	return errors.Join(errs...)
}

type Service struct {
	Users      storage.UserStore
	Secret     []byte
	TokenTTL   time.Duration
	BcryptCost int
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) cost() int {
	if s.BcryptCost > 0 {
		return s.BcryptCost
	}
	return bcrypt.DefaultCost
}

func (s *Service) ttl() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return 7 * 24 * time.Hour
}

// Register creates the account and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, string, error) {
	if err := req.validate(); err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost())
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		ID:           NewID(),
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: string(hash),
		City:         strings.TrimSpace(req.City),
		Active:       true,
		CreatedAt:    s.now(),
	}
	if err := s.Users.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}
	token, err := s.issueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Login verifies the password and returns the user with a fresh token.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	u, err := s.Users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !u.Active {
		return nil, "", ErrAccountInactive
	}
	token, err := s.issueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (s *Service) issueToken(u *models.User) (string, error) {
	claims := jwt.MapClaims{
		"user_id": u.ID,
		"exp":     s.now().Add(s.ttl()).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// VerifyToken resolves a bearer token to the user ID it was issued for.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.Secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	id, ok := claims["user_id"].(string)
	if !ok || id == "" {
		return "", ErrInvalidToken
	}
	return id, nil
}

// Resolve authenticates a bearer token and loads the account, rejecting
// deactivated users.
func (s *Service) Resolve(ctx context.Context, tokenString string) (*models.User, error) {
	id, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	u, err := s.Users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !u.Active {
		return nil, ErrAccountInactive
	}
	return u, nil
}

// NewID is the identifier generator shared across the system.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
