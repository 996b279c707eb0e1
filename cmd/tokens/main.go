// Command tokens is the operator CLI for the token ledger: check a balance,
// credit a topup, or apply a signed adjustment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"forgelab/internal/adapter/repo"
	"forgelab/internal/domain"
	"forgelab/internal/infra"
	"forgelab/internal/ledger"
)

func main() {
	var (
		userFlag   string
		topupFlag  int
		adjustFlag int
		sourceFlag string
	)

	flag.StringVar(&userFlag, "user", "", "user ID (UUID)")
	flag.IntVar(&topupFlag, "topup", 0, "tokens to credit")
	flag.IntVar(&adjustFlag, "adjust", 0, "signed delta to apply (operator correction)")
	flag.StringVar(&sourceFlag, "source", "cli", "ledger source label")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if _, err := uuid.Parse(userID); err != nil {
		exitWithError(fmt.Errorf("invalid user id %q", userID))
	}
	if topupFlag != 0 && adjustFlag != 0 {
		exitWithError(errors.New("-topup and -adjust are mutually exclusive"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "tokens").Logger()
	runner := infra.NewSQLRunner(pool, logger)
	ledgerRepo := repo.NewTokenLedgerRepository(runner)
	tokens := ledger.NewService(ledgerRepo, 1, logger)

	var event *domain.TokenEvent
	switch {
	case topupFlag != 0:
		event, err = tokens.Topup(ctx, userID, topupFlag, sourceFlag)
	case adjustFlag != 0:
		event, err = tokens.Adjust(ctx, userID, adjustFlag, sourceFlag)
	}
	if err != nil {
		exitWithError(err)
	}
	if event != nil {
		fmt.Printf("applied %+d tokens to %s (event %s)\n", event.Delta, userID, event.ID)
	}

	balance, err := tokens.Balance(ctx, userID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load balance: %w", err))
	}
	fmt.Printf("balance=%d\n", balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
