package taskqueue

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orchestra/internal/testutil"
)

func TestPostgresQueueSuite(t *testing.T) {
	dsn := testutil.GetPostgresEndpoint(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.PingContext(ctx))

	suite.Run(t, &QueueSuite{newQueue: func() Queue {
		q, err := NewPostgresQueue(ctx, db)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `TRUNCATE orchestration_tasks`)
		require.NoError(t, err)
		return q
	}})
}
