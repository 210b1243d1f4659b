package taskqueue

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
)

type PostgresQueueTestSuite struct {
	suite.Suite
	pool *pgxpool.Pool
}

func TestPostgresQueueSuite(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	suite.Run(t, &PostgresQueueTestSuite{pool: pool})
}

func (s *PostgresQueueTestSuite) TestContract() {
	runQueueContract(s.T(), func(t *testing.T) Queue {
		ctx := context.Background()
		q, err := NewPostgresQueue(ctx, s.pool)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE evaluation_tasks`)
		require.NoError(t, err)
		return q
	})
}
