package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/config"
)

func newAuthorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize [account-id application-key]",
		Short: "Check credentials against B2",
		Long: `Authorize the account and print the API endpoints it was assigned.

With no arguments the configured credentials are used. Passing a key pair
tests that pair instead; add --save to store it in the config file.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts 0 or 2 args, received %d", len(args))
			}

			return nil
		},
		RunE: runAuthorize,
	}

	cmd.Flags().Bool("save", false, "store the key pair in the config file after a successful check")

	return cmd
}

type authorizeJSON struct {
	AccountID   string `json:"accountId"`
	APIURL      string `json:"apiUrl"`
	DownloadURL string `json:"downloadUrl"`
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	save, _ := cmd.Flags().GetBool("save")

	if len(args) == 2 {
		cc.Cfg.AccountID, cc.Cfg.ApplicationKey = args[0], args[1]
	}

	session, err := cc.newSession()
	if err != nil {
		return err
	}

	creds, err := session.Authorize(cmd.Context())
	if err != nil {
		return fmt.Errorf("authorizing: %w", err)
	}

	if save {
		path := cc.Cfg.ConfigPath
		if path == "" {
			path = config.DefaultConfigPath()
		}

		if err := config.SaveCredentials(path, cc.Cfg.AccountID, cc.Cfg.ApplicationKey); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}

		cc.Statusf("Saved credentials to %s\n", path)
	}

	if cc.Flags.JSON {
		return printJSON(authorizeJSON{
			AccountID:   creds.AccountID,
			APIURL:      creds.APIURL,
			DownloadURL: creds.DownloadURL,
		})
	}

	fmt.Fprintf(os.Stdout, "Account:      %s\n", creds.AccountID)
	fmt.Fprintf(os.Stdout, "API URL:      %s\n", creds.APIURL)
	fmt.Fprintf(os.Stdout, "Download URL: %s\n", creds.DownloadURL)

	return nil
}
