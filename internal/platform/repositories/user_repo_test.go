package repositories

import (
	"context"
	"testing"

	"crmsync/internal/platform/database/testdb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepository_SetExternalContactID(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	repo := NewUserRepository(db)

	userID := testdb.SeedUser(t, db, "frank")

	won, err := repo.SetExternalContactID(ctx, userID, 300)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.SetExternalContactID(ctx, userID, 301)
	require.NoError(t, err)
	assert.False(t, won)

	u, err := repo.GetByExternalContactID(ctx, 300)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "frank", u.Username)
	assert.Equal(t, "frank@example.com", u.Email)
}

func TestCallRequestRepository_SetExternalLeadID(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	repo := NewCallRequestRepository(db)

	id := testdb.Exec(t, db, `INSERT INTO call_requests (name, phone, created_at) VALUES ('Gina', '+7900', 1700000000)`)

	won, err := repo.SetExternalLeadID(ctx, id, 55)
	require.NoError(t, err)
	assert.True(t, won)

	cr, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cr)
	assert.Nil(t, cr.UserID)
	require.NotNil(t, cr.ExternalLeadID)
	assert.Equal(t, int64(55), *cr.ExternalLeadID)
}

func TestFileRepository_GetDocumentsSkipsMissing(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	repo := NewFileRepository(db)

	a := testdb.Exec(t, db, `INSERT INTO documents (filename, storage_path) VALUES ('a.pdf', 'docs/a.pdf')`)
	b := testdb.Exec(t, db, `INSERT INTO documents (filename, storage_path) VALUES ('b.pdf', 'docs/b.pdf')`)

	docs, err := repo.GetDocuments(ctx, []int64{b, 999, a})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.pdf", docs[0].Filename)

	f, err := repo.GetFile(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, f)
}
