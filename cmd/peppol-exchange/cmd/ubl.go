package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	money "github.com/rezonia/peppol-exchange/internal/decimal"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/ubl"
)

var (
	companyFile string
	outputFile  string
)

var encodeCmd = &cobra.Command{
	Use:   "encode <invoice.json>",
	Short: "Render a CRM invoice as PEPPOL UBL",
	Long: `Render an invoice JSON document as UBL 2.1 (BIS Billing 3.0). The
supplier party comes from the company section of the config unless
--company points at a party JSON file. Use - to read from stdin.

Examples:
  peppol-exchange encode invoice.json
  peppol-exchange encode invoice.json --company acme.json -o invoice.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runEncode,
}

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate UBL invoice files",
	Long: `Validate one or more UBL files.

Checks performed:
  - Well-formed XML with an Invoice or CreditNote root
  - Document namespace and required BIS Billing 3.0 elements
  - Amounts and dates decode

Examples:
  peppol-exchange validate invoice.xml
  peppol-exchange validate received/ --format table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode a UBL invoice or credit note to JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecode,
}

func init() {
	rootCmd.AddCommand(encodeCmd, validateCmd, decodeCmd)

	encodeCmd.Flags().StringVar(&companyFile, "company", "", "Supplier party JSON (default: company from config)")
	encodeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write UBL to file instead of stdout")
}

func runEncode(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return fmt.Errorf("read invoice: %w", err)
	}
	var inv model.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	company, err := supplierParty()
	if err != nil {
		return err
	}

	printVerbose(cmd, "Encoding %s %s for %s\n", inv.Type, inv.Number, inv.Client.ParticipantID())
	out, err := ubl.Encode(&inv, company)
	if err != nil {
		return err
	}
	if outputFile != "" {
		return os.WriteFile(outputFile, out, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func supplierParty() (model.Party, error) {
	if companyFile != "" {
		data, err := os.ReadFile(companyFile)
		if err != nil {
			return model.Party{}, fmt.Errorf("read company: %w", err)
		}
		var p model.Party
		if err := json.Unmarshal(data, &p); err != nil {
			return model.Party{}, fmt.Errorf("decode company: %w", err)
		}
		return p, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return model.Party{}, err
	}
	return cfg.Company.Party(), nil
}

// ValidationResult is the outcome for one validated file
type ValidationResult struct {
	File   string   `json:"file"`
	Valid  bool     `json:"valid"`
	Type   string   `json:"type,omitempty"`
	Number string   `json:"number,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to validate")
	}

	results := make([]*ValidationResult, 0, len(files))
	allValid := true
	for _, file := range files {
		r := validateFile(file)
		results = append(results, r)
		if !r.Valid {
			allValid = false
		}
	}

	if err := render(cmd, results, func(w io.Writer) {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(w, "✓ %s: VALID (%s %s)\n", r.File, r.Type, r.Number)
				continue
			}
			fmt.Fprintf(w, "✗ %s: INVALID\n", r.File)
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  - %s\n", e)
			}
		}
	}); err != nil {
		return err
	}

	if !allValid {
		return fmt.Errorf("validation failed for some files")
	}
	return nil
}

func validateFile(path string) *ValidationResult {
	result := &ValidationResult{File: path, Valid: true}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read file: %v", err))
		return result
	}

	structure := ubl.ValidateStructure(data)
	if !structure.Valid {
		result.Valid = false
		result.Errors = append(result.Errors, structure.Errors...)
		return result
	}

	doc, err := ubl.Decode(data)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Type = string(doc.Type)
	result.Number = doc.Number
	return result
}

func runDecode(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	doc, err := ubl.Decode(data)
	if err != nil {
		return err
	}
	return render(cmd, doc, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s  %s\n", doc.Type, doc.Number, doc.IssueDate.Format("2006-01-02"))
		fmt.Fprintf(w, "  seller: %s (%s)\n", doc.Seller.Name, doc.Seller.ParticipantID())
		fmt.Fprintf(w, "  buyer:  %s (%s)\n", doc.Buyer.Name, doc.Buyer.ParticipantID())
		for _, l := range doc.Lines {
			fmt.Fprintf(w, "  %s x %s  %s\n", money.FormatQuantity(l.Quantity), money.FormatAmount(l.Rate), l.Description)
		}
		fmt.Fprintf(w, "  total: %s %s (tax %s)\n", money.FormatAmount(doc.Total), doc.Currency, money.FormatAmount(doc.TaxAmount))
	})
}

// collectFiles expands globs and walks directories for .xml files
func collectFiles(args []string) ([]string, error) {
	var files []string

	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}

		if len(matches) == 0 {
			if _, err := os.Stat(arg); err != nil {
				return nil, fmt.Errorf("file not found: %s", arg)
			}
			matches = []string{arg}
		}

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				files = append(files, match)
				continue
			}
			err = filepath.Walk(match, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", match, err)
			}
		}
	}

	return files, nil
}
