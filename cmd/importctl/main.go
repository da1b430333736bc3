// importctl runs one storefront ownership import and prints the owned
// product records as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dmkre/gamestack/internal/config"
	"github.com/dmkre/gamestack/internal/importer"
	"github.com/dmkre/gamestack/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "importctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "importctl.toml", "path to TOML config")
		account    = flag.String("account", "", "stable account id for this import")
		ticket     = flag.String("ticket", "", "session ticket from the auth flow")
	)
	flag.Parse()

	logging.ConfigureRuntime()

	if *account == "" || *ticket == "" {
		return fmt.Errorf("both -account and -ticket are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	im, err := importer.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := im.Import(ctx, importer.Account{ID: *account, Ticket: *ticket})
	if err != nil {
		return err
	}
	log.Info().Int("records", len(records)).Msg("import finished")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
