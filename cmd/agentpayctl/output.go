package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"

	"github.com/mattn/go-isatty"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// resolveFormat picks table output on a terminal and JSON when piped.
func resolveFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" {
		return format
	}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return formatTable
	}
	return formatJSON
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printCall(w io.Writer, format string, result *agentpay.CallResult) error {
	switch format {
	case formatJSON:
		return printJSON(w, result)
	case formatTable:
	default:
		return fmt.Errorf("invalid --format value %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "INTENT\t%s\n", result.IntentID)
	fmt.Fprintf(tw, "AGENT\t%s\n", result.AgentID)
	fmt.Fprintf(tw, "STATE\t%s\n", result.State)
	if result.Signature != "" {
		fmt.Fprintf(tw, "SIGNATURE\t%s\n", result.Signature)
	}
	if rec := result.Receipt; rec != nil {
		fmt.Fprintf(tw, "RECEIPT\t%s\n", rec.ID)
		fmt.Fprintf(tw, "PAID\t%s %s (agent %s, fee %s)\n", rec.Total, rec.Asset, rec.AgentShare, rec.ProtocolFee)
	}
	for _, v := range result.Violations {
		field := v.Field
		if field == "" {
			field = "(root)"
		}
		fmt.Fprintf(tw, "VIOLATION\t%s %s: %s\n", field, v.Rule, v.Message)
	}
	if result.Error != nil {
		fmt.Fprintf(tw, "ERROR\t%s %s\n", result.Error.Code, result.Error.Message)
	}
	if len(result.Output) > 0 {
		fmt.Fprintf(tw, "OUTPUT\t%s\n", string(result.Output))
	}
	return tw.Flush()
}

func printReceipts(w io.Writer, format string, receipts []agentpay.Receipt) error {
	switch format {
	case formatJSON:
		return printJSON(w, receipts)
	case formatTable:
	default:
		return fmt.Errorf("invalid --format value %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tPAYER\tCALLER\tTOTAL\tASSET\tSIGNATURE\tCONFIRMED")
	for _, rec := range receipts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.AgentID, rec.Payer, rec.CallerAddress, rec.Total, rec.Asset, rec.Signature,
			rec.ConfirmedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}
