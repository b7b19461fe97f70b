package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"inference-gateway/internal/database"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	dbDriver := flag.String("db-driver", "sqlite", "Record store driver: mysql or sqlite")
	dsn := flag.String("dsn", "", "Record store DSN")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: DSN is required")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed init logger")
	}
	log := logger.Sugar()

	// Connect to database
	db, err := sql.Open(*dbDriver, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging database: %v\n", err)
		os.Exit(1)
	}

	store, err := database.NewStore(db, *dbDriver, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Migration completed successfully!")
}
