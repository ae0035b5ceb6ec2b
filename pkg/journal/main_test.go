package journal_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/malbeclabs/drip/pkg/driptest"
)

var testDB *driptest.ClickHouseDB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = driptest.NewClickHouseDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start ClickHouse container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
