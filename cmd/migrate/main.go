package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"oncall.org/internal/config"
	"oncall.org/internal/migrate"
	"oncall.org/internal/obs"
	"oncall.org/internal/pin"
	"oncall.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		envFile        = flag.String("env", ".env", "optional env file")
		dsn            = flag.String("dsn", "", "PostgreSQL DSN (defaults to DATABASE_DSN or DB_* settings)")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "directory of SQL migrations")
		seedFile       = flag.String("seed", "ops/seed/users.json", "JSON file of users for the seed command")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status|seed]")
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dsn == "" {
		*dsn = cfg.Database.URL()
	}
	logger, err := obs.NewLogger(cfg.LogLevel, "console", "oncall-migrate")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), os.DirFS(*migrationsPath), migrate.WithLogger(logger))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var ran []string
		ran, err = mgr.Up(ctx)
		if err == nil && len(ran) == 0 {
			fmt.Println("schema up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Printf("rolled back %s\n", name)
		}
	case "status":
		var applied []migrate.Applied
		applied, err = mgr.Status(ctx)
		for _, a := range applied {
			fmt.Printf("%s\t%s\n", a.AppliedAt.Format(time.RFC3339), a.Name)
		}
		if err == nil {
			var pending []string
			pending, err = mgr.Pending(ctx)
			for _, p := range pending {
				fmt.Printf("pending\t%s\n", p)
			}
		}
	case "seed":
		err = seed(ctx, store, cfg, *seedFile, mgr)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func seed(ctx context.Context, store *pg.Store, cfg *config.Config, path string, mgr *migrate.Manager) error {
	pending, err := mgr.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("schema has %d pending migrations; run up first", len(pending))
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	users, err := migrate.LoadSeeds(f)
	if err != nil {
		return err
	}
	hasher, err := pin.NewHasher(pin.Scheme(cfg.PinHashScheme), cfg.PinSalt)
	if err != nil {
		return err
	}
	rep, err := migrate.SeedUsers(ctx, store.Users(), hasher, users, obs.Logger())
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d users, skipped %d\n", len(rep.Created), len(rep.Skipped))
	return nil
}
