package server_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	pgtesting "github.com/velvetlabs/spindate/pkg/pg/testing"
)

var testDB *pgtesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = pgtesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
