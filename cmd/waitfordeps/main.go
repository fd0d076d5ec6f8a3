package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type check struct {
	name string
	ping func(ctx context.Context) error
}

func main() {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	redisURL := os.Getenv("TEST_REDIS_URL")
	if dsn == "" && redisURL == "" {
		fmt.Fprintln(os.Stderr, "TEST_POSTGRES_DSN or TEST_REDIS_URL is required")
		os.Exit(2)
	}

	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_DEPS_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WAIT_FOR_DEPS_TIMEOUT_SEC: %q\n", raw)
			os.Exit(2)
		}
		timeout = time.Duration(secs) * time.Second
	}

	var checks []check
	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		checks = append(checks, check{name: "postgres", ping: db.PingContext})
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parse redis url: %v\n", err)
			os.Exit(2)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		checks = append(checks, check{name: "redis", ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	deadline := time.Now().Add(timeout)
	for _, c := range checks {
		if err := waitFor(c, deadline); err != nil {
			fmt.Fprintf(os.Stderr, "%s not ready within %s: %v\n", c.name, timeout, err)
			os.Exit(1)
		}
		fmt.Printf("%s ready\n", c.name)
	}
}

func waitFor(c check, deadline time.Time) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(2 * time.Second)
	}
}
