package handlers

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trentd187/roomchat/internal/auth"
	"github.com/trentd187/roomchat/internal/models"
	"github.com/trentd187/roomchat/internal/store"
)

// UserStore is the account storage the handlers need. *store.Store implements it.
type UserStore interface {
	CreateUser(ctx context.Context, username, displayName, passwordHash string) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UsersByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error)
}

// TokenIssuer signs login tokens. *auth.Issuer implements it.
type TokenIssuer interface {
	IssueToken(userID uuid.UUID, displayName string) (string, time.Time, error)
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"` // RFC 3339
}

func userResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:          u.ID.String(),
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// RegisterRequest is the body for POST /api/v1/auth/register.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"` // Optional: defaults to the username
}

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the token for both REST and websocket use.
type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      UserResponse `json:"user"`
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const (
	minPasswordLength    = 8
	maxPasswordLength    = 72 // bcrypt ignores anything longer
	maxDisplayNameLength = 64
)

// Register handles POST /api/v1/auth/register.
func Register(users UserStore, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body RegisterRequest
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		body.Username = strings.TrimSpace(body.Username)
		body.DisplayName = strings.TrimSpace(body.DisplayName)
		if body.DisplayName == "" {
			body.DisplayName = body.Username
		}

		if !usernamePattern.MatchString(body.Username) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "username must be 3-32 letters, digits, '.', '_' or '-'",
			})
		}
		if n := len(body.Password); n < minPasswordLength || n > maxPasswordLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "password must be 8-72 bytes",
			})
		}
		if utf8.RuneCountInString(body.DisplayName) > maxDisplayNameLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "display_name is too long",
			})
		}

		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			log.Error("hash password", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to create user",
			})
		}

		user, err := users.CreateUser(c.UserContext(), body.Username, body.DisplayName, hash)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error": "username already taken",
				})
			}
			log.Error("create user", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to create user",
			})
		}

		return c.Status(fiber.StatusCreated).JSON(userResponse(user))
	}
}

// Login handles POST /api/v1/auth/login. Unknown usernames and wrong passwords
// get the same answer so the endpoint does not reveal which accounts exist.
func Login(users UserStore, tokens TokenIssuer, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body LoginRequest
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		user, err := users.UserByUsername(c.UserContext(), strings.TrimSpace(body.Username))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("load user", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "login failed",
			})
		}
		if user == nil || auth.CheckPassword(user.PasswordHash, body.Password) != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": auth.ErrInvalidCredentials.Error(),
			})
		}

		token, exp, err := tokens.IssueToken(user.ID, user.DisplayName)
		if err != nil {
			log.Error("issue token", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "login failed",
			})
		}

		return c.JSON(LoginResponse{
			Token:     token,
			ExpiresAt: exp.UTC().Format(time.RFC3339),
			User:      userResponse(user),
		})
	}
}
