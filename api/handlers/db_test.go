package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xentoshi/insight/api/config"
	apitesting "github.com/xentoshi/insight/api/testing"
)

func TestCHExecutorExecuteQuery(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testChDB)
	ctx := context.Background()

	require.NoError(t, config.DB.Exec(ctx, `
		CREATE TABLE sales (id UInt32, amount Float64)
		ENGINE = MergeTree ORDER BY id
	`))
	require.NoError(t, config.DB.Exec(ctx,
		`INSERT INTO sales VALUES (1, 10.5), (2, 20.25)`))

	exec := NewCHExecutor()
	res, err := exec.ExecuteQuery(ctx, "SELECT id, amount FROM sales ORDER BY id;", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "amount"}, res.Columns)
	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Rows, 2)
	assert.EqualValues(t, 1, res.Rows[0]["id"])
	assert.EqualValues(t, 10.5, res.Rows[0]["amount"])
	assert.Equal(t, "SELECT id, amount FROM sales ORDER BY id", res.SQL, "trailing semicolon is stripped")
}

func TestCHExecutorSanitizesNonFiniteFloats(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testChDB)
	ctx := context.Background()

	exec := NewCHExecutor()
	res, err := exec.ExecuteQuery(ctx, `SELECT nan AS bad, 1.5 AS good`, "")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Nil(t, res.Rows[0]["bad"], "NaN becomes nil so the result stays JSON-encodable")
	assert.EqualValues(t, 1.5, res.Rows[0]["good"])
}

func TestCHExecutorQueryError(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testChDB)

	exec := NewCHExecutor()
	_, err := exec.ExecuteQuery(context.Background(), "SELECT * FROM missing_table", "")
	require.Error(t, err)
}

func TestCHSchemaFetcher(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testChDB)
	ctx := context.Background()

	require.NoError(t, config.DB.Exec(ctx, `
		CREATE TABLE orders (id UInt64, placed_at DateTime, total Float64)
		ENGINE = MergeTree ORDER BY id
	`))
	require.NoError(t, config.DB.Exec(ctx, `
		CREATE TABLE stg_orders_raw (blob String)
		ENGINE = MergeTree ORDER BY blob
	`))

	fetcher := NewCHSchemaFetcher()
	schema, err := fetcher.FetchSchema(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, config.Database(), schema.Database)
	require.Len(t, schema.Tables, 1, "staging tables are excluded")
	assert.Equal(t, "orders", schema.Tables[0].Name)
	require.Len(t, schema.Tables[0].Columns, 3)
	assert.Equal(t, "id", schema.Tables[0].Columns[0].Name)
	assert.Equal(t, "UInt64", schema.Tables[0].Columns[0].Type)
}

func TestCHSchemaFetcherEmptyDatabase(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testChDB)

	fetcher := NewCHSchemaFetcher()
	_, err := fetcher.FetchSchema(context.Background(), "")
	require.Error(t, err, "a database with no tables is not analyzable")
}
