package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage certificate authorities",
}

var (
	caSubject       string
	caParent        string
	caKeyAlgorithm  string
	caValidityYears int
	caPathLen       int
)

var caCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a root CA, or an intermediate CA with --parent",
	Example: `  ironca ca create --subject "CN=Acme Root,O=Acme,C=US" --key-algorithm ECDSA-P384
  ironca ca create --subject "CN=Acme Issuing,O=Acme" --parent <ca-id> --path-len 0`,
	RunE: runCACreate,
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificate authorities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime(fs, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		cas, err := rt.svc.ListCAs(cmd.Context())
		if err != nil {
			return err
		}
		printCAs(cmd.OutOrStdout(), cas)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caCreateCmd, caListCmd)

	caCreateCmd.Flags().StringVar(&caSubject, "subject", "", "Distinguished name, e.g. \"CN=Acme Root,O=Acme,C=US\"")
	caCreateCmd.Flags().StringVar(&caParent, "parent", "", "Identifier of the issuing CA")
	caCreateCmd.Flags().StringVar(&caKeyAlgorithm, "key-algorithm", "", "Key algorithm (default issuance.key-algorithm)")
	caCreateCmd.Flags().IntVar(&caValidityYears, "validity-years", 0, "Validity in years (default issuance.ca-validity-years)")
	caCreateCmd.Flags().IntVar(&caPathLen, "path-len", -1, "Maximum number of intermediate CAs below this one; negative leaves it unset")
	_ = caCreateCmd.MarkFlagRequired("subject")
}

func caCreateRequest() (ca.CreateCARequest, error) {
	subject, err := pki.ParseName(caSubject)
	if err != nil {
		return ca.CreateCARequest{}, err
	}
	req := ca.CreateCARequest{
		Subject:       subject,
		ParentCAID:    caParent,
		ValidityYears: caValidityYears,
	}
	if caKeyAlgorithm != "" {
		if req.KeyAlgorithm, err = pki.ParseKeyAlgorithm(caKeyAlgorithm); err != nil {
			return ca.CreateCARequest{}, err
		}
	}
	if caPathLen >= 0 {
		n := caPathLen
		req.PathLen = &n
	}
	return req, nil
}

func runCACreate(cmd *cobra.Command, _ []string) error {
	req, err := caCreateRequest()
	if err != nil {
		return err
	}
	rt, err := newRuntime(fs, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.svc.CreateCA(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created CA %s (serial %s, expires %s)\n\n",
		res.CA.ID, res.CA.SerialNumber, res.CA.NotAfter.Format("2006-01-02"))
	_, err = io.WriteString(out, res.Certificate.PEM)
	return err
}

func printCAs(w io.Writer, cas []*storage.CARecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBJECT\tALGORITHM\tSTATUS\tNOT AFTER\tPARENT")
	for _, c := range cas {
		status := string(c.Status)
		if c.KeysDestroyed {
			status += " (keys destroyed)"
		}
		parent := c.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Subject, c.KeyAlgorithm, status, c.NotAfter.Format("2006-01-02"), parent)
	}
	tw.Flush()
}
