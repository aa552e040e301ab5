package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// maxListPages bounds "ls --all" so a huge bucket cannot loop forever on a
// misbehaving server.
const maxListPages = 10000

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> <bucket> [remote-name]",
		Short: "Upload a single file",
		Long: `Upload a single file. The remote name defaults to the local file's base
name.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runPut,
	}
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <bucket> [prefix]",
		Short: "List file names in a bucket",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runLs,
	}

	cmd.Flags().Int("limit", 0, "files per page (1-10000, default 100)")
	cmd.Flags().Bool("all", false, "follow pagination until every file is listed")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <file-id> | stat <bucket> <file-name>",
		Short: "Display file metadata",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runStat,
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <file-name> <file-id>",
		Short: "Delete a file version",
		Args:  cobra.ExactArgs(2),
		RunE:  runRm,
	}
}

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <bucket> <prefix>",
		Short: "Print a time-limited download URL for files under prefix",
		Args:  cobra.ExactArgs(2),
		RunE:  runShare,
	}

	cmd.Flags().Duration("duration", 0, "how long the URL stays valid (default from config)")

	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	ctx := cmd.Context()

	destName := ""
	if len(args) == 3 {
		destName = args[2]
	}

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	us, err := client.GetUploadSession(ctx, parseBucketArg(args[1]))
	if err != nil {
		return err
	}

	fi, err := client.UploadFile(ctx, args[0], destName, us)
	if err != nil {
		return err
	}

	cc.Statusf("Uploaded %s (%s)\n", fi.FileName, formatSize(fi.ContentLength))

	if cc.Flags.JSON {
		return printJSON(fi)
	}

	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	limit, _ := cmd.Flags().GetInt("limit")
	all, _ := cmd.Flags().GetBool("all")

	opts := b2.ListOptions{MaxFileCount: limit}
	if len(args) == 2 {
		opts.Prefix = args[1]
	}

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	ref := parseBucketArg(args[0])
	files := []b2.FileInfo{}

	for range maxListPages {
		page, err := client.ListFileNames(cmd.Context(), ref, opts)
		if err != nil {
			return err
		}

		files = append(files, page.Files...)

		if !all || page.NextFileName == "" {
			break
		}

		opts.StartFileName = page.NextFileName
	}

	if cc.Flags.JSON {
		return printJSON(files)
	}

	printFilesTable(files)

	return nil
}

func printFilesTable(files []b2.FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].FileName < files[j].FileName })

	rows := make([][]string, 0, len(files))
	for i := range files {
		f := &files[i]
		rows = append(rows, []string{
			f.FileName,
			formatSize(f.ContentLength),
			formatMillis(f.UploadTimestamp),
			f.FileID,
		})
	}

	printTable(os.Stdout, []string{"NAME", "SIZE", "UPLOADED", "ID"}, rows)
}

func runStat(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	var fi *b2.FileInfo

	if len(args) == 2 {
		fi, err = client.GetFileInfoByName(cmd.Context(), parseBucketArg(args[0]), args[1])
	} else {
		fi, err = client.GetFileInfo(cmd.Context(), args[0])
	}

	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(fi)
	}

	printFileInfo(fi)

	return nil
}

func printFileInfo(fi *b2.FileInfo) {
	fmt.Fprintf(os.Stdout, "Name:         %s\n", fi.FileName)
	fmt.Fprintf(os.Stdout, "ID:           %s\n", fi.FileID)
	fmt.Fprintf(os.Stdout, "Size:         %s (%s bytes)\n", formatSize(fi.ContentLength),
		strconv.FormatInt(fi.ContentLength, 10))
	fmt.Fprintf(os.Stdout, "SHA1:         %s\n", fi.ContentSHA1)
	fmt.Fprintf(os.Stdout, "Content-Type: %s\n", fi.ContentType)
	fmt.Fprintf(os.Stdout, "Uploaded:     %s\n", formatMillis(fi.UploadTimestamp))

	keys := make([]string, 0, len(fi.Info))
	for k := range fi.Info {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(os.Stdout, "Info %s: %s\n", k, fi.Info[k])
	}
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	if err := client.DeleteFileVersion(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}

	cc.Statusf("Deleted %s (%s)\n", args[0], args[1])

	return nil
}

func runShare(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	validFor, _ := cmd.Flags().GetDuration("duration")

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	u, err := client.GetDownloadAuthorization(cmd.Context(), parseBucketArg(args[0]), args[1], validFor)
	if err != nil {
		return err
	}

	if validFor <= 0 {
		validFor = cc.Cfg.DownloadAuthDuration
	}

	if cc.Flags.JSON {
		return printJSON(map[string]string{
			"url":       u,
			"expiresAt": time.Now().Add(validFor).UTC().Format(time.RFC3339),
		})
	}

	fmt.Fprintln(os.Stdout, u)

	return nil
}
