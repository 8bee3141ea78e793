package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/transaction_gateway/internal/contract"
)

type checkResult struct {
	Path     string `json:"path"`
	Contract string `json:"contract,omitempty"`
	Services int    `json:"services,omitempty"`
	Error    string `json:"error,omitempty"`
}

type checkReport struct {
	Valid   bool          `json:"valid"`
	Files   []checkResult `json:"files"`
	Invalid int           `json:"invalid"`
}

func newContractsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Inspect business contract files",
	}

	var format string
	check := &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate every contract file under a directory",
		Long: `Parse and validate every *.json contract under dir, the configured
contract_base_path when omitted. Duplicate ApplicationID/ProjectID/TransactionID
triples are reported as errors. Exits non-zero when any file is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir, publicFile string
			if len(args) == 1 {
				dir = args[0]
				publicFile = "publicTransactions.json"
			} else {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				dir, publicFile = cfg.ContractBasePath, cfg.PublicTransactionsFile
			}

			report, err := checkContracts(dir, publicFile)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("%d invalid contract file(s)", report.Invalid)
			}
			return nil
		},
	}
	check.Flags().StringVar(&format, "format", "text", "output format (text|json)")

	cmd.AddCommand(check)
	return cmd
}

func checkContracts(dir, publicFile string) (*checkReport, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("contract directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	report := &checkReport{Files: []checkResult{}}
	seen := make(map[string]string)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		res := checkResult{Path: filepath.ToSlash(rel)}

		data, err := os.ReadFile(path)
		switch {
		case err != nil:
			res.Error = err.Error()
		case publicFile != "" && d.Name() == publicFile:
			list, perr := contract.ParsePublicTransactions(data)
			if perr != nil {
				res.Error = perr.Error()
			} else {
				res.Contract = fmt.Sprintf("public transactions (%d)", len(list))
			}
		default:
			c, perr := contract.Parse(data)
			if perr != nil {
				res.Error = perr.Error()
				break
			}
			res.Contract = c.Key()
			res.Services = len(c.Services)
			if other, dup := seen[c.Key()]; dup {
				res.Error = fmt.Sprintf("duplicate of %s", other)
			} else {
				seen[c.Key()] = res.Path
			}
		}

		if res.Error != "" {
			report.Invalid++
		}
		report.Files = append(report.Files, res)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, walkErr)
	}

	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Path < report.Files[j].Path })
	report.Valid = report.Invalid == 0
	return report, nil
}

func writeReport(w io.Writer, format string, report *checkReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "text":
		for _, f := range report.Files {
			if f.Error != "" {
				fmt.Fprintf(w, "FAIL %s: %s\n", f.Path, f.Error)
				continue
			}
			fmt.Fprintf(w, "ok   %s %s", f.Path, f.Contract)
			if f.Services > 0 {
				fmt.Fprintf(w, " (%d services)", f.Services)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%d file(s), %d invalid\n", len(report.Files), report.Invalid)
		return nil
	}
	return fmt.Errorf("invalid format %q: must be text or json", format)
}
