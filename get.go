package main

import (
	"errors"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Download a file",
		Long: `Download a file by ID, by bucket and name, or from a URL made by "share".
An existing local file is never overwritten unless --force is given.`,
	}

	cmd.PersistentFlags().Bool("force", false, "overwrite an existing local file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "id <file-id> <local-path>",
			Short: "Download a file version by ID",
			Args:  cobra.ExactArgs(2),
			RunE:  runGetByID,
		},
		&cobra.Command{
			Use:   "name <bucket> <file-name> [local-path]",
			Short: "Download the latest version of a file by name",
			Args:  cobra.RangeArgs(2, 3),
			RunE:  runGetByName,
		},
		&cobra.Command{
			Use:   "url <url> <local-path>",
			Short: "Download from an authorized URL",
			Args:  cobra.ExactArgs(2),
			RunE:  runGetURL,
		},
	)

	return cmd
}

func runGetByID(cmd *cobra.Command, args []string) error {
	return runDownload(cmd, func(c *b2.Client, force bool) (*b2.DownloadResult, error) {
		return c.DownloadByID(cmd.Context(), args[0], args[1], force)
	})
}

func runGetByName(cmd *cobra.Command, args []string) error {
	dst := path.Base(args[1])
	if len(args) == 3 {
		dst = args[2]
	}

	return runDownload(cmd, func(c *b2.Client, force bool) (*b2.DownloadResult, error) {
		return c.DownloadByName(cmd.Context(), parseBucketArg(args[0]), args[1], filepath.Clean(dst), force)
	})
}

func runGetURL(cmd *cobra.Command, args []string) error {
	return runDownloadAnonymous(cmd, func(c *b2.Client, force bool) (*b2.DownloadResult, error) {
		return c.DownloadAuthorizedURL(cmd.Context(), args[0], args[1], force)
	})
}

type downloadJSON struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	SHA1     string `json:"sha1"`
	Verified bool   `json:"verified"`
}

type downloadFunc func(*b2.Client, bool) (*b2.DownloadResult, error)

func runDownload(cmd *cobra.Command, fetch downloadFunc) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	return download(cmd, cc, client, fetch)
}

// runDownloadAnonymous works without credentials: the URL carries its own
// authorization.
func runDownloadAnonymous(cmd *cobra.Command, fetch downloadFunc) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if errors.Is(err, errNoCredentials) {
		client = b2.NewClient(b2.NewSession("", "", b2.WithSessionLogger(cc.Logger)), b2.WithLogger(cc.Logger))
	} else if err != nil {
		return err
	}

	return download(cmd, cc, client, fetch)
}

func download(cmd *cobra.Command, cc *CLIContext, client *b2.Client, fetch downloadFunc) error {
	force, _ := cmd.Flags().GetBool("force")

	res, err := fetch(client, force)
	if err != nil {
		return err
	}

	if !res.Verified {
		cc.Logger.Warn("server sent no checksum, download not verified", slog.String("path", res.Path))
	}

	cc.Statusf("Downloaded %s (%s)\n", res.Path, formatSize(res.Size))

	if cc.Flags.JSON {
		return printJSON(downloadJSON{Path: res.Path, Size: res.Size, SHA1: res.SHA1, Verified: res.Verified})
	}

	return nil
}
