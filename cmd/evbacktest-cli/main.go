package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"evbacktest/pkg/evbacktest"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: evbacktest-cli [-server URL] [-grpc ADDR] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status               Check evbacktest-server health\n")
	fmt.Fprintf(os.Stderr, "  strategies           List available strategies\n")
	fmt.Fprintf(os.Stderr, "  runs [-symbol S]     List stored runs\n")
	fmt.Fprintf(os.Stderr, "  run <id>             Show one run with its fills\n")
	fmt.Fprintf(os.Stderr, "  backtest [options]   Run a backtest on the server (over gRPC when -grpc is set)\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	server := flag.String("server", envOr("EVBACKTEST_SERVER", "http://localhost:8080"), "evbacktest-server base URL")
	grpcAddr := flag.String("grpc", os.Getenv("EVBACKTEST_GRPC"), "evbacktest-server gRPC address, e.g. localhost:9090")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	c := evbacktest.NewClient(*server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("evbacktest-cli %s\n", version)

	case "status":
		if err = c.Health(ctx); err == nil {
			fmt.Println("status: ok")
		}

	case "strategies":
		var names []string
		if names, err = c.Strategies(ctx); err == nil {
			for _, n := range names {
				fmt.Println(n)
			}
		}

	case "runs":
		err = listRuns(ctx, c, args[1:])

	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "run: missing id")
			os.Exit(1)
		}
		var run *evbacktest.Run
		if run, err = c.GetRun(ctx, args[1]); err == nil {
			err = printJSON(run)
		}

	case "backtest":
		err = backtest(ctx, c, *grpcAddr, args[1:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func listRuns(ctx context.Context, c *evbacktest.Client, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	symbol := fs.String("symbol", "", "filter by symbol")
	strat := fs.String("strategy", "", "filter by strategy")
	limit := fs.Int("limit", 20, "maximum runs")
	fs.Parse(args)

	runs, err := c.ListRuns(ctx, evbacktest.RunsQuery{Symbol: *symbol, Strategy: *strat, Limit: *limit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSTRATEGY\tSMA\tTHR\tFINAL CASH\tPERF %\tTRADES\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%g\t%.2f\t%.2f\t%d\t%s\n",
			r.ID, r.Symbol, r.Strategy, r.SMAWindow, r.Threshold,
			r.FinalCash, r.NetPerformancePct, r.Trades, r.CreatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func backtest(ctx context.Context, c *evbacktest.Client, grpcAddr string, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	req := evbacktest.BacktestRequest{}
	fs.StringVar(&req.Symbol, "symbol", "", "symbol to backtest")
	fs.StringVar(&req.Market, "market", "", "market of the stored bars")
	fs.StringVar(&req.Start, "start", "", "first date, YYYY-MM-DD")
	fs.StringVar(&req.End, "end", "", "last date, YYYY-MM-DD")
	fs.StringVar(&req.Strategy, "strategy", "long-only", "strategy name")
	fs.Float64Var(&req.InitialAmount, "amount", 0, "initial cash (server default when 0)")
	fixed := fs.Float64("fixed-cost", 0, "fixed cost per trade (server default when unset)")
	prop := fs.Float64("proportional-cost", 0, "proportional cost per trade (server default when unset)")
	fs.IntVar(&req.SMAWindow, "sma", 0, "SMA window (server default when 0)")
	fs.Float64Var(&req.Threshold, "threshold", 0, "entry threshold (server default when 0)")
	fs.BoolVar(&req.IncludeFills, "fills", false, "include fills in the output")
	fs.Parse(args)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "fixed-cost":
			req.FixedCost = fixed
		case "proportional-cost":
			req.ProportionalCost = prop
		}
	})

	var (
		run *evbacktest.Run
		err error
	)
	if grpcAddr != "" {
		gc, derr := evbacktest.DialGRPC(grpcAddr)
		if derr != nil {
			return derr
		}
		defer gc.Close()
		run, err = gc.Backtest(ctx, req)
	} else {
		run, err = c.Backtest(ctx, req)
	}
	if err != nil {
		return err
	}
	return printJSON(run)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
