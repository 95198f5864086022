package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"lendingledger/cmd/internal/token"
	"lendingledger/services/lending/client"
)

const defaultEndpoint = "http://127.0.0.1:8446"

func newClient(endpoint, apiToken string) (*client.Client, error) {
	return client.New(endpoint, client.WithToken(apiToken))
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage() string {
	return strings.Join([]string{
		"Usage: lendctl [--endpoint URL] [--token TOKEN | --prompt-token] <command> [flags]",
		"",
		"Commands:",
		"  banks                                   list banks",
		"  bank <mint>                             show a bank",
		"  init-bank --mint --decimals --max-ltv-bps --liq-threshold-bps [--base-rate --slope1 --slope2 --optimal]",
		"  accrue <mint>                           persist interest accrual",
		"  init-user <owner>                       create an empty position",
		"  deposit|borrow --owner --mint --amount  move base units",
		"  withdraw|repay --owner --mint --amount  amount may be \"all\"",
		"  position <owner>                        show balances",
		"  health <owner>                          show solvency report",
		"  prices                                  list oracle quotes",
		"  publish-price --asset --price --expo [--conf --publish-time]",
		"  credit --mint --account --amount        mint devnet funds",
		"  balance <mint> <account>                show custody balance",
	}, "\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("lendctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	endpoint := global.String("endpoint", envOr("LENDCTL_ENDPOINT", defaultEndpoint), "lending service base URL")
	apiToken := global.String("token", "", "API token for mutating commands (default $LENDCTL_TOKEN)")
	promptToken := global.Bool("prompt-token", false, "read the API token from $LENDCTL_TOKEN or an interactive prompt")
	timeout := global.Duration("timeout", 15*time.Second, "request timeout")
	if err := global.Parse(args); err != nil {
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if *apiToken == "" {
		*apiToken = strings.TrimSpace(os.Getenv("LENDCTL_TOKEN"))
	}
	if *apiToken == "" && *promptToken {
		value, err := token.NewSource("LENDCTL_TOKEN", stderr).Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		*apiToken = value
	}
	c, err := newClient(*endpoint, *apiToken)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command, cmdArgs := rest[0], rest[1:]
	var result interface{}
	switch command {
	case "banks":
		result, err = c.ListBanks(ctx)
	case "bank":
		if len(cmdArgs) != 1 {
			return printError(stderr, "bank requires <mint>")
		}
		result, err = c.GetBank(ctx, cmdArgs[0])
	case "accrue":
		if len(cmdArgs) != 1 {
			return printError(stderr, "accrue requires <mint>")
		}
		result, err = c.Accrue(ctx, cmdArgs[0])
	case "init-bank":
		var params client.BankParams
		params, err = parseBankFlags(cmdArgs, stderr)
		if err != nil {
			return printError(stderr, err.Error())
		}
		result, err = c.InitializeBank(ctx, params)
	case "init-user":
		if len(cmdArgs) != 1 {
			return printError(stderr, "init-user requires <owner>")
		}
		err = c.InitializeUser(ctx, cmdArgs[0])
		result = map[string]string{"owner": cmdArgs[0]}
	case "deposit", "withdraw", "borrow", "repay":
		result, err = runTransition(ctx, c, command, cmdArgs, stderr)
	case "position":
		if len(cmdArgs) != 1 {
			return printError(stderr, "position requires <owner>")
		}
		result, err = c.Position(ctx, cmdArgs[0])
	case "health":
		if len(cmdArgs) != 1 {
			return printError(stderr, "health requires <owner>")
		}
		result, err = c.Health(ctx, cmdArgs[0])
	case "prices":
		result, err = c.Prices(ctx)
	case "publish-price":
		var quote client.Quote
		quote, err = parseQuoteFlags(cmdArgs, stderr)
		if err != nil {
			return printError(stderr, err.Error())
		}
		err = c.PublishPrice(ctx, quote)
		result = quote
	case "credit":
		result, err = runCredit(ctx, c, cmdArgs, stderr)
	case "balance":
		if len(cmdArgs) != 2 {
			return printError(stderr, "balance requires <mint> <account>")
		}
		result, err = c.Balance(ctx, cmdArgs[0], cmdArgs[1])
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if err != nil {
		return printError(stderr, err.Error())
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}

func runTransition(ctx context.Context, c *client.Client, action string, args []string, stderr io.Writer) (interface{}, error) {
	fs := newFlagSet(action, stderr)
	owner := fs.String("owner", "", "position owner")
	mint := fs.String("mint", "", "bank mint")
	amount := fs.String("amount", "", "base units")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *owner == "" || *mint == "" || *amount == "" {
		return nil, fmt.Errorf("--owner, --mint and --amount are required")
	}
	switch action {
	case "withdraw":
		return c.Withdraw(ctx, *owner, *mint, *amount)
	case "repay":
		return c.Repay(ctx, *owner, *mint, *amount)
	}
	value, err := strconv.ParseUint(*amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("--amount must be a non-negative integer")
	}
	if action == "deposit" {
		return c.Deposit(ctx, *owner, *mint, value)
	}
	return c.Borrow(ctx, *owner, *mint, value)
}

func runCredit(ctx context.Context, c *client.Client, args []string, stderr io.Writer) (interface{}, error) {
	fs := newFlagSet("credit", stderr)
	mint := fs.String("mint", "", "token mint")
	account := fs.String("account", "", "receiving account")
	amount := fs.Uint64("amount", 0, "base units")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *mint == "" || *account == "" || *amount == 0 {
		return nil, fmt.Errorf("--mint, --account and a positive --amount are required")
	}
	return c.Credit(ctx, *mint, *account, *amount)
}

func parseBankFlags(args []string, stderr io.Writer) (client.BankParams, error) {
	fs := newFlagSet("init-bank", stderr)
	var params client.BankParams
	var decimals uint
	var rate client.Interest
	fs.StringVar(&params.Mint, "mint", "", "bank mint")
	fs.StringVar(&params.Symbol, "symbol", "", "display symbol")
	fs.UintVar(&decimals, "decimals", 0, "token decimals")
	fs.Uint64Var(&params.MaxLTVBps, "max-ltv-bps", 0, "max loan-to-value in bps")
	fs.Uint64Var(&params.LiquidationThresholdBps, "liq-threshold-bps", 0, "liquidation threshold in bps")
	fs.Uint64Var(&params.DepositCap, "deposit-cap", 0, "deposit cap in base units, 0 disables")
	fs.Uint64Var(&params.BorrowCap, "borrow-cap", 0, "borrow cap in base units, 0 disables")
	fs.Float64Var(&rate.BaseRate, "base-rate", 0, "base borrow APR, e.g. 0.02")
	fs.Float64Var(&rate.Slope1, "slope1", 0, "APR slope below the kink")
	fs.Float64Var(&rate.Slope2, "slope2", 0, "APR slope above the kink")
	fs.Float64Var(&rate.OptimalUtilization, "optimal", 0, "kink utilisation, e.g. 0.8")
	if err := fs.Parse(args); err != nil {
		return params, err
	}
	if params.Mint == "" {
		return params, fmt.Errorf("--mint is required")
	}
	if decimals > 255 {
		return params, fmt.Errorf("--decimals must be <= 255")
	}
	params.Decimals = uint8(decimals)
	if rate != (client.Interest{}) {
		params.Interest = &rate
	}
	return params, nil
}

func parseQuoteFlags(args []string, stderr io.Writer) (client.Quote, error) {
	fs := newFlagSet("publish-price", stderr)
	var quote client.Quote
	var expo int
	fs.StringVar(&quote.Asset, "asset", "", "asset mint")
	fs.Int64Var(&quote.Price, "price", 0, "integer price mantissa")
	fs.Uint64Var(&quote.Conf, "conf", 0, "confidence interval in mantissa units")
	fs.IntVar(&expo, "expo", 0, "decimal exponent, e.g. -8")
	fs.Int64Var(&quote.PublishTime, "publish-time", 0, "unix publish time, defaults to now")
	if err := fs.Parse(args); err != nil {
		return quote, err
	}
	if quote.Asset == "" || quote.Price <= 0 {
		return quote, fmt.Errorf("--asset and a positive --price are required")
	}
	quote.Expo = int32(expo)
	if quote.PublishTime == 0 {
		quote.PublishTime = time.Now().Unix()
	}
	return quote, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
