// Command ratectl appends commission rates and prints the schedule in force.
//
// Rates are never edited in place: every add inserts a new row and the
// newest row per kind wins.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/wakala/settlement/internal/commission"
	"github.com/wakala/settlement/internal/config"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/repository"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var configPath, kind, percent string
	var history bool

	flagSet := pflag.NewFlagSet("ratectl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("SETTLEMENT_CONFIG"), "path to a YAML config file")
	flagSet.StringVar(&kind, "kind", "", "rate kind: platform_fee, staff_commission or admin_commission")
	flagSet.StringVar(&percent, "percent", "", "new rate as a percentage, e.g. 1.5")
	flagSet.BoolVar(&history, "history", false, "with current, also print every stored rate row")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) != 1 {
		printHelp(flagSet)
		return errors.New("expected exactly one command: add or current")
	}

	dbCfg, err := config.LoadDatabase(configPath)
	if err != nil {
		return err
	}
	db, err := repository.Open(dbCfg.Driver, dbCfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	rates := repository.NewRateRepo(db)

	switch rest[0] {
	case "add":
		if kind == "" || percent == "" {
			return errors.New("add requires --kind and --percent")
		}
		p, err := decimal.NewFromString(percent)
		if err != nil {
			return fmt.Errorf("parse --percent: %w", err)
		}
		rate, err := rates.Append(ctx, domain.RateKind(kind), p, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s = %s%% (id %s)\n", rate.Kind, rate.Percent, rate.ID)
		return nil

	case "current":
		current, err := commission.NewCalculator(rates).CurrentRates(ctx)
		if err != nil {
			return err
		}
		view := map[string]any{"current": current}
		if history {
			rows, err := rates.History(ctx, domain.RateKind(kind))
			if err != nil {
				return err
			}
			view["history"] = rows
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)

	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ratectl manages the commission rate schedule.

Usage:
  ratectl add --kind <kind> --percent <percent>
  ratectl current [--history [--kind <kind>]]

Flags:
%s`, flagSet.FlagUsages())
}
