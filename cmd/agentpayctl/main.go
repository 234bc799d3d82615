// Command agentpayctl is the command line client of the AgentPay API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"

	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "agentpayctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "agentpayctl",
		Usage: "call priced agents and inspect settlement receipts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", EnvVars: []string{"AGENTPAY_SERVER"}, Usage: "API base URL"},
			&cli.StringFlag{Name: "api-key", EnvVars: []string{"AGENTPAY_API_KEY"}, Usage: "bearer API key"},
			&cli.StringFlag{Name: "format", Usage: "output format: json or table (default table on a terminal)"},
			&cli.DurationFlag{Name: "timeout", Value: agentpay.DefaultHTTPTimeout, Usage: "request timeout"},
		},
		Commands: []*cli.Command{
			{
				Name:  "call",
				Usage: "call an agent and pay for a valid result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Usage: "agent id"},
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "input JSON"},
					&cli.StringFlag{Name: "input-file", Usage: "read input JSON from file, - for stdin"},
					&cli.StringFlag{Name: "intent", Usage: "intent id, generated by the server when empty"},
					&cli.StringFlag{Name: "caller", Usage: "caller address attributed on the receipt"},
				},
				Action: runCall,
			},
			{
				Name:  "receipt",
				Usage: "inspect settlement receipts",
				Subcommands: []*cli.Command{
					{
						Name:      "get",
						Usage:     "show one receipt",
						ArgsUsage: "<receipt-id>",
						Action:    runReceiptGet,
					},
					{
						Name:  "list",
						Usage: "list receipts",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "agent", Usage: "filter by agent id"},
							&cli.StringFlag{Name: "payer", Usage: "filter by paying address"},
							&cli.StringFlag{Name: "caller", Usage: "filter by attributed caller address"},
							&cli.StringFlag{Name: "intent", Usage: "look up by intent id"},
							&cli.StringFlag{Name: "signature", Usage: "look up by transaction signature"},
							&cli.StringFlag{Name: "since", Usage: "confirmed at or after (RFC3339)"},
							&cli.StringFlag{Name: "until", Usage: "confirmed at or before (RFC3339)"},
							&cli.IntFlag{Name: "limit", Value: 20},
							&cli.IntFlag{Name: "offset"},
							&cli.BoolFlag{Name: "asc", Usage: "oldest first"},
						},
						Action: runReceiptList,
					},
				},
			},
			{
				Name:   "health",
				Usage:  "check that the server is ready",
				Action: runHealth,
			},
		},
	}
}

func newClient(c *cli.Context) (*agentpay.Client, error) {
	client, err := agentpay.NewClient(c.String("server"), nil)
	if err != nil {
		return nil, err
	}
	client.SetAPIKey(c.String("api-key"))
	return client, nil
}

func withTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

func runCall(c *cli.Context) error {
	input, err := readInput(c.String("input"), c.String("input-file"))
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	result, err := client.Call(ctx, agentpay.CallRequest{
		IntentID: c.String("intent"),
		AgentID:  c.String("agent"),
		Input:    input,
		Caller:   c.String("caller"),
	})
	if result != nil {
		if printErr := printCall(os.Stdout, resolveFormat(c.String("format")), result); printErr != nil {
			return printErr
		}
	}
	return err
}

func readInput(inline, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --input or --input-file")
	case file == "-":
		raw, err := readAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = raw
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		data = raw
	case inline != "":
		data = []byte(inline)
	default:
		data = []byte("{}")
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("input is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func runReceiptGet(c *cli.Context) error {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return errors.New("receipt id is required")
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	rec, err := client.GetReceipt(ctx, id)
	if err != nil {
		return err
	}
	return printReceipts(os.Stdout, resolveFormat(c.String("format")), []agentpay.Receipt{*rec})
}

func runReceiptList(c *cli.Context) error {
	filter := agentpay.ReceiptFilter{
		IntentID:  c.String("intent"),
		Signature: c.String("signature"),
		AgentID:   c.String("agent"),
		Payer:     c.String("payer"),
		Caller:    c.String("caller"),
		Limit:     c.Int("limit"),
		Offset:    c.Int("offset"),
		Ascending: c.Bool("asc"),
	}
	var err error
	if filter.Since, err = parseTime(c.String("since")); err != nil {
		return err
	}
	if filter.Until, err = parseTime(c.String("until")); err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()

	receipts, err := client.ListReceipts(ctx, filter)
	if err != nil {
		return err
	}
	return printReceipts(os.Stdout, resolveFormat(c.String("format")), receipts)
}

func runHealth(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "ok")
	return nil
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339", raw)
	}
	return ts, nil
}
