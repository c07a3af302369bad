//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icdbridge/icdbridge/internal/domain/account"
	"github.com/icdbridge/icdbridge/internal/platform/db"
)

// globalPool is shared by every test and initialised once in TestMain.
// ICDBRIDGE_TEST_DATABASE_URL points the suite at an existing database
// instead of starting a container.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("ICDBRIDGE_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "ensure schema: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// createAccount inserts an account with a unique email and the given tier.
func createAccount(t *testing.T, ctx context.Context, tier string) *account.Account {
	t.Helper()
	svc := account.NewService(account.NewAccountRepo(globalPool))
	svc.SetBcryptCost(4)
	a, err := svc.Register(ctx, account.RegisterInput{
		Email:    fmt.Sprintf("it-%s@example.com", randomSuffix(t)),
		Password: "integration-pass",
		Tier:     tier,
	})
	if err != nil {
		t.Fatalf("register account: %v", err)
	}
	return a
}

func randomSuffix(t *testing.T) string {
	t.Helper()
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(b)
}
