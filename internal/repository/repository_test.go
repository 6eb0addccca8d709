package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/repository/dynamotest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "AuthCoreTest"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newUser(email, username string) *models.User {
	return &models.User{
		ID:           "id-" + username,
		Username:     username,
		Email:        email,
		PasswordHash: "hash",
		Role:         models.RoleUser,
	}
}

func newToken(code, email string, expiresAt time.Time) *models.VerificationToken {
	return &models.VerificationToken{
		Code:      code,
		UserID:    "id-" + email,
		UserEmail: email,
		Purpose:   models.PurposeActivation,
		CreatedAt: expiresAt.Add(-5 * time.Minute),
		ExpiresAt: expiresAt,
	}
}

func TestUserRepositoryCreateAndGet(t *testing.T) {
	db := dynamotest.New()
	repo := NewUserRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()

	user := newUser("alice@example.com", "alice")
	require.NoError(t, repo.Create(ctx, user))
	assert.False(t, user.CreatedAt.IsZero())

	got, err := repo.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.Equal(t, models.RoleUser, got.Role)
	assert.False(t, got.Enabled)

	missing, err := repo.GetByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUserRepositoryCreateRejectsDuplicates(t *testing.T) {
	db := dynamotest.New()
	repo := NewUserRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newUser("alice@example.com", "alice")))

	assert.ErrorIs(t, repo.Create(ctx, newUser("alice@example.com", "alice2")), ErrConflict)
	assert.ErrorIs(t, repo.Create(ctx, newUser("other@example.com", "alice")), ErrConflict)
	assert.Nil(t, db.Item("USER#other@example.com", "METADATA"))
}

func TestUserRepositorySave(t *testing.T) {
	db := dynamotest.New()
	repo := NewUserRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()

	user := newUser("alice@example.com", "alice")
	require.NoError(t, repo.Create(ctx, user))

	user.Enabled = true
	user.Verified = true
	require.NoError(t, repo.Save(ctx, user))

	got, err := repo.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, got.Verified)

	assert.ErrorIs(t, repo.Save(ctx, newUser("ghost@example.com", "ghost")), ErrNotFound)
}

func TestUserRepositoryPropagatesStoreErrors(t *testing.T) {
	db := dynamotest.New()
	db.Err = errors.New("throttled")
	repo := NewUserRepository(db, testTable, time.Second, testLogger())

	_, err := repo.GetByEmail(context.Background(), "alice@example.com")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestVerificationRepositoryReplaceKeepsOneCodePerUser(t *testing.T) {
	db := dynamotest.New()
	repo := NewVerificationRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()
	expires := time.Now().Add(5 * time.Minute)

	require.NoError(t, repo.Replace(ctx, newToken("AAAAAA", "alice@example.com", expires)))
	require.NoError(t, repo.Replace(ctx, newToken("BBBBBB", "alice@example.com", expires)))
	require.NoError(t, repo.Replace(ctx, newToken("CCCCCC", "bob@example.com", expires)))

	first, err := repo.FindByCode(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Nil(t, first)

	second, err := repo.FindByCode(ctx, "BBBBBB")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "alice@example.com", second.UserEmail)
	assert.Equal(t, models.PurposeActivation, second.Purpose)
	assert.WithinDuration(t, expires, second.ExpiresAt, time.Second)

	assert.Equal(t, 2, db.CountPrefix("VERIFICATION#"))

	ttl, ok := db.Item("VERIFICATION#BBBBBB", "METADATA")["TTL"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.NotEmpty(t, ttl.Value)
}

func TestVerificationRepositoryReplaceConflict(t *testing.T) {
	db := dynamotest.New()
	repo := NewVerificationRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()
	expires := time.Now().Add(5 * time.Minute)

	require.NoError(t, repo.Replace(ctx, newToken("AAAAAA", "alice@example.com", expires)))

	// A competing writer lands between our pointer read and our transaction.
	db.BeforeTransact = func() {
		db.BeforeTransact = nil
		require.NoError(t, repo.Replace(ctx, newToken("BBBBBB", "alice@example.com", expires)))
	}

	err := repo.Replace(ctx, newToken("CCCCCC", "alice@example.com", expires))
	assert.ErrorIs(t, err, ErrConflict)

	// Only the competing writer's code is live.
	assert.Equal(t, 1, db.CountPrefix("VERIFICATION#"))
	live, err := repo.FindByCode(ctx, "BBBBBB")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestVerificationRepositoryReplaceSameCodeConflicts(t *testing.T) {
	db := dynamotest.New()
	repo := NewVerificationRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()
	expires := time.Now().Add(5 * time.Minute)

	require.NoError(t, repo.Replace(ctx, newToken("AAAAAA", "alice@example.com", expires)))
	assert.ErrorIs(t, repo.Replace(ctx, newToken("AAAAAA", "alice@example.com", expires)), ErrConflict)
	assert.ErrorIs(t, repo.Replace(ctx, newToken("AAAAAA", "bob@example.com", expires)), ErrConflict)
}

func TestVerificationRepositoryDeleteIsSingleUse(t *testing.T) {
	db := dynamotest.New()
	repo := NewVerificationRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()

	token := newToken("AAAAAA", "alice@example.com", time.Now().Add(5*time.Minute))
	require.NoError(t, repo.Replace(ctx, token))

	require.NoError(t, repo.Delete(ctx, token))
	assert.ErrorIs(t, repo.Delete(ctx, token), ErrNotFound)

	assert.Nil(t, db.Item("USER#alice@example.com", "VERIFICATION"))

	// A fresh issue after consumption starts from an empty pointer.
	require.NoError(t, repo.Replace(ctx, newToken("BBBBBB", "alice@example.com", time.Now().Add(5*time.Minute))))
}

func TestVerificationRepositoryStoreErrors(t *testing.T) {
	db := dynamotest.New()
	db.Err = errors.New("timeout")
	repo := NewVerificationRepository(db, testTable, time.Second, testLogger())
	ctx := context.Background()

	_, err := repo.FindByCode(ctx, "AAAAAA")
	assert.Error(t, err)
	assert.Error(t, repo.Replace(ctx, newToken("AAAAAA", "alice@example.com", time.Now())))
}
