package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotex/internal/memstore"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func newService(t *testing.T) (*AuthService, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return NewAuthService(st, testSecret, time.Hour), st
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		expectError error
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "EmptyUsername", username: "", password: "password123"},
		{name: "EmptyPassword", username: "bob", password: ""},
		{name: "DuplicateUsername", username: "alice", password: "newpass", expectError: ErrUsernameTaken},
		{name: "LongUsername", username: strings.Repeat("a", 1000), password: "password123"},
		{name: "LongPassword", username: "carol", password: strings.Repeat("p", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st := newService(t)
			ctx := context.Background()

			if tt.name == "DuplicateUsername" {
				_, err := s.Register(ctx, "alice", "password123")
				require.NoError(t, err)
			}

			user, err := s.Register(ctx, tt.username, tt.password)
			if tt.name != "Success" {
				require.Error(t, err)
				if tt.expectError != nil {
					assert.ErrorIs(t, err, tt.expectError)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.username, user.Username)

			stored, err := st.GetUserByUsername(ctx, tt.username)
			require.NoError(t, err)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(tt.password)))
			assert.True(t, stored.USDBalance.IsZero())
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	s, _ := newService(t)
	alice, err := s.Register(context.Background(), "alice", "password123")
	require.NoError(t, err)

	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "WrongPassword", username: "alice", password: "wrongpass", expectError: true},
		{name: "NonExistentUser", username: "bob", password: "password123", expectError: true},
		{name: "LongPassword", username: "alice", password: strings.Repeat("p", 1000), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(context.Background(), tt.username, tt.password)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
				return
			}
			require.NoError(t, err)

			parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(testSecret), nil
			})
			require.NoError(t, err)
			claims, ok := parsed.Claims.(*Claims)
			require.True(t, ok)
			assert.Equal(t, "alice", claims.Username)

			userID, err := s.GetUserFromToken(token)
			require.NoError(t, err)
			assert.Equal(t, alice.ID, userID)
		})
	}
}

func TestAuthService_GetUserFromToken(t *testing.T) {
	s, _ := newService(t)

	sign := func(method jwt.SigningMethod, key any, subject string, exp time.Time) string {
		token := jwt.NewWithClaims(method, Claims{
			Username: "alice",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(exp),
			},
		})
		signed, err := token.SignedString(key)
		require.NoError(t, err)
		return signed
	}
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name         string
		token        string
		expectUserID int64
		expectError  bool
	}{
		{name: "Success", token: sign(jwt.SigningMethodHS256, []byte(testSecret), "1", future), expectUserID: 1},
		{name: "ExpiredToken", token: sign(jwt.SigningMethodHS256, []byte(testSecret), "1", time.Now().Add(-time.Hour)), expectError: true},
		{name: "InvalidSignature", token: sign(jwt.SigningMethodHS256, []byte("wrong-key"), "1", future), expectError: true},
		{name: "WrongAlgorithm", token: sign(jwt.SigningMethodHS512, []byte(testSecret), "1", future), expectError: true},
		{name: "NonNumericSubject", token: sign(jwt.SigningMethodHS256, []byte(testSecret), "alice", future), expectError: true},
		{name: "EmptyToken", token: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := s.GetUserFromToken(tt.token)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUserID, userID)
		})
	}
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearer("bearer  abc "))
	assert.Equal(t, "", ExtractBearer("abc"))
	assert.Equal(t, "", ExtractBearer(""))
	assert.Equal(t, "", ExtractBearer("Basic abc"))
}
