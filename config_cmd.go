package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})

	return cmd
}

type configJSON struct {
	ConfigPath           string `json:"configPath"`
	AccountID            string `json:"accountId"`
	HasApplicationKey    bool   `json:"hasApplicationKey"`
	AuthURL              string `json:"authUrl,omitempty"`
	UploadWorkers        int    `json:"uploadWorkers"`
	Timeout              string `json:"timeout"`
	TokenLifetime        string `json:"tokenLifetime"`
	DownloadAuthDuration string `json:"downloadAuthDuration"`
	IgnoreMarker         string `json:"ignoreMarker"`
	LogLevel             string `json:"logLevel"`
	LedgerPath           string `json:"ledgerPath"`
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := cliContextFrom(cmd.Context())
	r := cc.Cfg

	if cc.Flags.JSON {
		return printJSON(configJSON{
			ConfigPath:           r.ConfigPath,
			AccountID:            r.AccountID,
			HasApplicationKey:    r.ApplicationKey != "",
			AuthURL:              r.AuthURL,
			UploadWorkers:        r.UploadWorkers,
			Timeout:              r.Timeout.String(),
			TokenLifetime:        r.TokenLifetime.String(),
			DownloadAuthDuration: r.DownloadAuthDuration.String(),
			IgnoreMarker:         r.IgnoreMarker,
			LogLevel:             r.LogLevel,
			LedgerPath:           r.LedgerPath,
		})
	}

	return config.RenderEffective(r, os.Stdout)
}
