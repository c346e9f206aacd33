package main

import "github.com/urfave/cli/v2"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.json",
		Usage:   "path to the JSON config file",
	}
	envFlag = &cli.StringFlag{
		Name:  "env",
		Value: ".env",
		Usage: "dotenv file holding API keys",
	}
	strategyFlag = &cli.StringFlag{
		Name:    "strategy",
		Aliases: []string{"s"},
		Usage:   "strategy id",
	}
	requiredStrategyFlag = &cli.StringFlag{
		Name:     "strategy",
		Aliases:  []string{"s"},
		Usage:    "strategy id",
		Required: true,
	}
	markPriceFlag = &cli.Float64Flag{
		Name:  "price",
		Usage: "mark price for the summary (defaults to the latest fill price)",
	}
)

// strategy add 的参数
var (
	idFlag       = &cli.StringFlag{Name: "id", Usage: "strategy id (random if empty)"}
	userFlag     = &cli.StringFlag{Name: "user", Usage: "owner user id", Required: true}
	accountFlag  = &cli.StringFlag{Name: "account", Usage: "broker account id"}
	nameFlag     = &cli.StringFlag{Name: "name", Usage: "display name"}
	typeFlag     = &cli.StringFlag{Name: "type", Value: "spot_grid", Usage: "spot_grid, reverse_grid or dca"}
	symbolFlag   = &cli.StringFlag{Name: "symbol", Usage: "trading pair, e.g. BTCUSDT", Required: true}
	lowerFlag    = &cli.Float64Flag{Name: "lower", Usage: "lower bound of the grid range (derived from price if unset)"}
	upperFlag    = &cli.Float64Flag{Name: "upper", Usage: "upper bound of the grid range (derived from price if unset)"}
	gridsFlag    = &cli.IntFlag{Name: "grids", Value: 10, Usage: "number of grid levels"}
	capitalFlag  = &cli.Float64Flag{Name: "capital", Usage: "allocated capital in quote asset"}
	spacingFlag  = &cli.StringFlag{Name: "spacing", Value: "arithmetic", Usage: "arithmetic or geometric"}
	monitorFlag  = &cli.StringFlag{Name: "monitor", Value: "poll", Usage: "poll or realtime"}
	notionalFlag = &cli.Float64Flag{Name: "notional", Usage: "quote amount per DCA buy"}
)
