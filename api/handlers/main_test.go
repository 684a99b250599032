package handlers

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"golang.org/x/sync/errgroup"

	apitesting "github.com/xentoshi/insight/api/testing"
)

var (
	testPgDB *apitesting.PostgresDB
	testChDB *apitesting.ClickHouseDB
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	// Start both containers in parallel
	var g errgroup.Group
	g.Go(func() error {
		var err error
		testPgDB, err = apitesting.NewPostgresDB(ctx, log, nil)
		return err
	})
	g.Go(func() error {
		var err error
		testChDB, err = apitesting.NewClickHouseDB(ctx, log, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("failed to start test containers", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	if testPgDB != nil {
		testPgDB.Close()
	}
	if testChDB != nil {
		testChDB.Close()
	}

	os.Exit(code)
}
