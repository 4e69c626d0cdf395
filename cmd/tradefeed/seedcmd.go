package main

import (
	"fmt"
	"os"
	"regexp"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/internal/flags"
	"github.com/schemahub/tradefeed/internal/seed"
)

var seedFlags = []cli.Flag{
	&cli.BoolFlag{Name: "merge", Usage: "union the fetched product universe with the existing seed file instead of replacing it"},
	&cli.StringFlag{Name: "filter-regex", Usage: "only keep product ids matching this regular expression"},
	&cli.BoolFlag{Name: "dry-run", Usage: "print the resulting diff without writing the seed file"},
}

var updateSeedCommand = &cli.Command{
	Name:   "update-seed",
	Usage:  "refresh the product seed file from the exchange's live product universe",
	Flags:  flags.Merge(globalFlags, seedFlags),
	Action: runUpdateSeed,
}

func runUpdateSeed(ctx *cli.Context) error {
	seedPath := ctx.String("seed-file")

	existing, metadata, err := seed.Load(seedPath)
	if err != nil {
		return fmt.Errorf("cmd: load seed file %s: %w", seedPath, err)
	}

	conn := exchange.NewCoinbaseConnector()
	fetched, err := conn.ListProducts(ctx.Context)
	if err != nil {
		return fmt.Errorf("cmd: list products: %w", err)
	}

	var keep func(id string) bool
	if pattern := ctx.String("filter-regex"); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return withExitCode(2, fmt.Errorf("cmd: invalid --filter-regex %q: %w", pattern, err))
		}
		keep = re.MatchString
	}

	var final []string
	if ctx.Bool("merge") {
		final = seed.Merge(existing, fetched, keep)
	} else {
		final = seed.Merge(nil, fetched, keep)
	}

	added, removed := diffProducts(existing, final)
	printSeedDiff(existing, final, added, removed)

	if ctx.Bool("dry-run") {
		color.Yellow("dry run: seed file %s was not modified", seedPath)
		return nil
	}

	if err := seed.Save(final, seedPath, metadata); err != nil {
		return fmt.Errorf("cmd: save seed file %s: %w", seedPath, err)
	}
	color.Green("wrote %d products to %s (%d added, %d removed)", len(final), seedPath, len(added), len(removed))
	return nil
}

func diffProducts(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, id := range before {
		beforeSet[id] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, id := range after {
		afterSet[id] = struct{}{}
	}
	for _, id := range after {
		if _, ok := beforeSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if _, ok := afterSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func printSeedDiff(before, after, added, removed []string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"product", "change"})
	for _, id := range added {
		table.Append([]string{id, "added"})
	}
	for _, id := range removed {
		table.Append([]string{id, "removed"})
	}
	if len(added) == 0 && len(removed) == 0 {
		table.Append([]string{"-", "no change"})
	}
	table.Render()
	fmt.Printf("before: %d products, after: %d products\n", len(before), len(after))
}
