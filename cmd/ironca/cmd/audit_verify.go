package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/audit"
)

type verifyResult struct {
	File string `json:"file"`
	audit.Verification
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func verifyFile(fs afero.Fs, path string) (verifyResult, error) {
	f, err := fs.Open(path)
	if err != nil {
		return verifyResult{}, fmt.Errorf("cannot read file: %w", err)
	}
	defer f.Close()
	entries, err := audit.ReadLog(f)
	if err != nil {
		return verifyResult{}, err
	}
	return verifyResult{File: path, Verification: audit.Verify(entries)}, nil
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.File)
	fmt.Fprintf(w, "Entries:  %d\n\n", result.EntryCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case audit.CheckFail:
			tag = "[FAIL]"
		case audit.CheckWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := result.Counts()
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of an audit log",
	Long: `Reads a JSON lines audit log and verifies the hash chain, genesis
anchor, identifier uniqueness, event vocabulary and timestamp ordering.

Exits 1 when the log is invalid and 2 when it cannot be read.`,
	Args: cobra.ExactArgs(1),
	// Verification works on a copied log without a configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	result, err := verifyFile(fs, args[0])
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			return &exitError{code: 2, err: err}
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		return &exitError{code: 1}
	}
	return nil
}

// exit reports err on stderr and returns the process exit status.
func exit(err error) int {
	var e *exitError
	if !errors.As(err, &e) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if e.err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", e.err)
	}
	return e.code
}
