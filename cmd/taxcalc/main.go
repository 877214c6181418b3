// Command taxcalc previews tax calculations offline against an in-memory
// store seeded with a rule set.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/tax-engine/advances"
	"github.com/warp/tax-engine/calculation"
	"github.com/warp/tax-engine/logging"
	"github.com/warp/tax-engine/rules"
	"github.com/warp/tax-engine/store/memory"
	"github.com/warp/tax-engine/tax"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "taxcalc",
		Short:        "Tax obligation calculator",
		Long:         "Previews income tax calculations, rule sets and advance installments without a database.",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("rules", "", "rule set file (YAML or JSON); embedded defaults when empty")
	root.PersistentFlags().Bool("debug", false, "log engine activity to stderr")

	root.AddCommand(calculateCmd(), rulesCmd(), advanceCmd(), versionCmd())
	return root
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

type env struct {
	catalog *rules.Catalog
	engine  *calculation.Engine
}

func setup(cmd *cobra.Command) (*env, error) {
	rulesFile, _ := cmd.Flags().GetString("rules")
	debugMode, _ := cmd.Flags().GetBool("debug")

	logger := zap.NewNop()
	if debugMode {
		cfg := logging.DefaultConfig()
		cfg.Level = "debug"
		cfg.Output = "stderr"
		l, err := logging.New(cfg)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	var (
		entries []tax.RuleEntry
		err     error
	)
	if rulesFile != "" {
		entries, err = rules.LoadFile(rulesFile)
	} else {
		entries, err = rules.Defaults()
	}
	if err != nil {
		return nil, err
	}

	store := memory.New()
	catalog := rules.NewCatalog(store)
	if _, err := catalog.Seed(cmd.Context(), entries); err != nil {
		return nil, err
	}
	return &env{
		catalog: catalog,
		engine:  calculation.NewEngine(store, catalog, calculation.WithLogger(logger)),
	}, nil
}

// =============================================================================
// CALCULATE
// =============================================================================

func calculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calculate [input-file]",
		Short: "Preview a calculation described in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := loadInput(args[0])
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			req, err := in.toRequest()
			if err != nil {
				return err
			}
			for _, l := range in.PriorLosses {
				amount, err := tax.ParseMoney(l.Amount)
				if err != nil {
					return fmt.Errorf("prior loss %d: %w", l.Year, err)
				}
				if _, err := e.engine.RecordLoss(ctx, req.TaxpayerID, req.Regime, l.Year, amount); err != nil {
					return err
				}
			}

			req.Preview = true
			rec, err := e.engine.Calculate(ctx, req)
			if err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("format")
			return render(cmd.OutOrStdout(), format, *rec)
		},
	}
	cmd.Flags().String("format", "text", "output format: text, json or yaml")
	return cmd
}

func render(w io.Writer, format string, rec tax.CalculationRecord) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(toOutput(rec))
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(toOutput(rec))
	case "text", "":
		return renderText(w, rec)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func renderText(w io.Writer, rec tax.CalculationRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "%s  %s  %s (%s)\n\n", rec.TaxpayerID, rec.Period, rec.Regime, rec.Method)

	rows := [][2]string{
		{"Revenue", tax.FormatMoney(rec.Revenue)},
		{"Expenses", tax.FormatMoney(rec.Expenses)},
		{"Non-deductible", tax.FormatMoney(rec.NonDeductibleTotal)},
		{"Gross income", tax.FormatMoney(rec.GrossIncome)},
		{"Loss deduction", tax.FormatMoney(rec.LossDeduction)},
		{"Taxable income", tax.FormatMoney(rec.TaxableIncome)},
		{"Tax", tax.FormatMoney(rec.Tax)},
		{"Advances paid", tax.FormatMoney(rec.PriorAdvancesPaid)},
		{"Installment due", tax.FormatMoney(rec.InstallmentDue)},
		{"Overpayment", tax.FormatMoney(rec.Overpayment)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t\n", r[0], r[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !rec.DueDate.IsZero() {
		fmt.Fprintf(w, "\nDue date: %s\n", rec.DueDate.Format("2006-01-02"))
	}

	if len(rec.Brackets) > 0 {
		fmt.Fprintln(w, "\nBrackets:")
		for _, b := range rec.Brackets {
			fmt.Fprintf(w, "  %-20s %6s%%  %12s  %12s\n",
				b.Label, b.Rate.Shift(2).String(), tax.FormatMoney(b.IncomeInBracket), tax.FormatMoney(b.Tax))
		}
	}
	if len(rec.LossApplications) > 0 {
		fmt.Fprintln(w, "\nLosses applied:")
		for _, a := range rec.LossApplications {
			fmt.Fprintf(w, "  %d  %12s  (remaining %s)\n", a.OriginYear, tax.FormatMoney(a.Amount), tax.FormatMoney(a.RemainingAfter))
		}
	}
	if len(rec.Notes) > 0 {
		fmt.Fprintln(w, "\nNotes:")
		for _, n := range rec.Notes {
			fmt.Fprintf(w, "  - %s\n", n)
		}
	}
	return nil
}

// =============================================================================
// RULES
// =============================================================================

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the rule catalog as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			entries, err := e.catalog.List(cmd.Context())
			if err != nil {
				return err
			}

			regime, _ := cmd.Flags().GetString("regime")
			var doc rules.Document
			for _, entry := range entries {
				if regime != "" && string(entry.Regime) != regime {
					continue
				}
				doc.Rules = append(doc.Rules, rules.FromEntry(entry))
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(doc)
		},
	}
	cmd.Flags().String("regime", "", "only entries of this regime")
	return cmd
}

// =============================================================================
// ADVANCE
// =============================================================================

func advanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Compute the advance installment due for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			regime, _ := flags.GetString("regime")
			periodStr, _ := flags.GetString("period")
			method, _ := flags.GetString("method")
			cumulative, _ := flags.GetString("cumulative")
			paid, _ := flags.GetString("paid")
			priorYear, _ := flags.GetString("prior-year-tax")
			simplified, _ := flags.GetBool("simplified")

			period, err := tax.ParsePeriod(periodStr)
			if err != nil {
				return err
			}
			req := calculation.AdvanceRequest{
				Regime:            tax.Regime(regime),
				Period:            period,
				Method:            advances.Method(method),
				SimplifiedElected: simplified,
			}
			if req.CumulativeTaxYTD, err = parseAmount("cumulative", cumulative); err != nil {
				return err
			}
			if req.PriorAdvancesPaid, err = parseAmount("paid", paid); err != nil {
				return err
			}
			if priorYear != "" {
				d, err := tax.ParseMoney(priorYear)
				if err != nil {
					return err
				}
				req.PriorYearTax = &d
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			res, err := e.engine.ReconcileAdvance(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Method:      %s\n", res.Method)
			fmt.Fprintf(out, "Period:      %s\n", res.Period)
			fmt.Fprintf(out, "Due:         %s\n", tax.FormatMoney(res.Due))
			fmt.Fprintf(out, "Overpayment: %s\n", tax.FormatMoney(res.Overpayment))
			fmt.Fprintf(out, "Due date:    %s\n", res.DueDate.Format("2006-01-02"))
			return nil
		},
	}
	f := cmd.Flags()
	f.String("regime", "", "taxation regime")
	f.String("period", "", "period, e.g. 2025-03 or 2025-Q2")
	f.String("method", string(advances.MethodCumulative), "cumulative or simplified")
	f.String("cumulative", "0", "cumulative tax year to date")
	f.String("paid", "0", "advances already paid this year")
	f.String("prior-year-tax", "", "prior year tax (simplified method)")
	f.Bool("simplified", false, "the simplified method was elected")
	cmd.MarkFlagRequired("regime")
	cmd.MarkFlagRequired("period")
	return cmd
}

func parseAmount(flag, s string) (decimal.Decimal, error) {
	d, err := tax.ParseMoney(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", flag, err)
	}
	return d, nil
}

// =============================================================================
// VERSION
// =============================================================================

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taxcalc %s (commit %s)\n", version, commit)
			if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "go %s\n", bi.GoVersion)
			}
		},
	}
}
