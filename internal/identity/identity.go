// ABOUTME: Account registration, login, and phone code verification
// ABOUTME: Issues JWT session tokens and enforces code expiry and attempt limits

package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relieflink/relieflink/internal/store"
)

// Identity errors
var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCodeExpired        = errors.New("login code expired")
	ErrCodeMismatch       = errors.New("login code mismatch")
	ErrTooManyAttempts    = errors.New("too many verification attempts")
)

const (
	codeLength      = 6
	codeTTL         = 5 * time.Minute
	maxCodeAttempts = 3
)

// Service handles account lifecycle and session tokens
type Service struct {
	store    store.Store
	verifier *JWTVerifier
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewService creates an identity service backed by the given store
func NewService(st store.Store, verifier *JWTVerifier, tokenTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		verifier: verifier,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "identity"),
	}
}

// Register creates a new account with a username and password and returns
// the user along with a session token.
func (s *Service) Register(ctx context.Context, username, password, displayName string) (*store.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, "", fmt.Errorf("%w: username and password are required", ErrInvalidCredentials)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
	}
	if user.DisplayName == "" {
		user.DisplayName = username
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			return nil, "", ErrUserExists
		}
		return nil, "", fmt.Errorf("creating user: %w", err)
	}

	token, err := s.verifier.Generate(user.ID, s.tokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}

	s.logger.Info("registered user", "user_id", user.ID, "username", username)
	return user, token, nil
}

// Login authenticates a username/password pair and returns a session token
func (s *Service) Login(ctx context.Context, username, password string) (*store.User, string, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("looking up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.verifier.Generate(user.ID, s.tokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}

	return user, token, nil
}

// RequestCode generates a numeric login code for the phone number and stores
// it with a fresh attempt counter. Requesting again replaces any prior code.
// The code is returned so the caller can hand it to an SMS delivery channel.
func (s *Service) RequestCode(ctx context.Context, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("%w: phone is required", ErrInvalidCredentials)
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}

	now := time.Now().UTC()
	lc := &store.LoginCode{
		Phone:     phone,
		Code:      code,
		Attempts:  0,
		CreatedAt: now,
		ExpiresAt: now.Add(codeTTL),
	}
	if err := s.store.SaveLoginCode(ctx, lc); err != nil {
		return "", fmt.Errorf("saving login code: %w", err)
	}

	s.logger.Info("issued login code", "phone", phone)
	return code, nil
}

// VerifyCode checks a login code for the phone number. On success the code is
// consumed and a session token is issued for the matching account, creating
// one if the phone has never been seen before.
func (s *Service) VerifyCode(ctx context.Context, phone, code string) (*store.User, string, error) {
	phone = strings.TrimSpace(phone)

	lc, err := s.store.GetLoginCode(ctx, phone)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrCodeMismatch
		}
		return nil, "", fmt.Errorf("looking up login code: %w", err)
	}

	if time.Now().After(lc.ExpiresAt) {
		_ = s.store.DeleteLoginCode(ctx, phone)
		return nil, "", ErrCodeExpired
	}

	if lc.Attempts >= maxCodeAttempts {
		_ = s.store.DeleteLoginCode(ctx, phone)
		return nil, "", ErrTooManyAttempts
	}

	if lc.Code != strings.TrimSpace(code) {
		if err := s.store.BumpLoginCodeAttempts(ctx, phone); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, "", fmt.Errorf("recording failed attempt: %w", err)
		}
		return nil, "", ErrCodeMismatch
	}

	// Codes are single use
	if err := s.store.DeleteLoginCode(ctx, phone); err != nil {
		return nil, "", fmt.Errorf("consuming login code: %w", err)
	}

	user, err := s.store.GetUserByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			ID:          uuid.New().String(),
			Phone:       phone,
			DisplayName: phone,
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, "", fmt.Errorf("creating user: %w", err)
		}
		s.logger.Info("created user from phone verification", "user_id", user.ID)
	} else if err != nil {
		return nil, "", fmt.Errorf("looking up user: %w", err)
	}

	token, err := s.verifier.Generate(user.ID, s.tokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}

	return user, token, nil
}

// CurrentUser resolves a session token to the account it was issued for
func (s *Service) CurrentUser(ctx context.Context, token string) (*store.User, error) {
	userID, err := s.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return user, nil
}

// generateCode returns a random zero-padded numeric code
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n), nil
}
