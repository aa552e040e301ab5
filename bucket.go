package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// bucketIDPrefix marks a bucket argument as an ID rather than a name,
// mirroring b2.BucketRef.String.
const bucketIDPrefix = "id:"

// parseBucketArg turns "id:<bucketId>" or "<bucketName>" into a BucketRef.
func parseBucketArg(arg string) b2.BucketRef {
	if id, ok := strings.CutPrefix(arg, bucketIDPrefix); ok {
		return b2.BucketByID(id)
	}

	return b2.BucketByName(arg)
}

func newBucketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage buckets",
		Long: `Manage buckets. A <bucket> argument is a bucket name, or "id:" followed
by a bucket ID.`,
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  runBucketCreate,
	}
	create.Flags().String("type", b2.BucketAllPrivate, "bucket type: allPrivate or allPublic")

	update := &cobra.Command{
		Use:   "update <bucket> <type>",
		Short: "Change a bucket's type (allPrivate or allPublic)",
		Args:  cobra.ExactArgs(2),
		RunE:  runBucketUpdate,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List buckets",
			Args:  cobra.NoArgs,
			RunE:  runBucketList,
		},
		&cobra.Command{
			Use:   "get <bucket>",
			Short: "Show one bucket",
			Args:  cobra.ExactArgs(1),
			RunE:  runBucketGet,
		},
		create,
		update,
		&cobra.Command{
			Use:   "delete <bucket>",
			Short: "Delete an empty bucket",
			Args:  cobra.ExactArgs(1),
			RunE:  runBucketDelete,
		},
	)

	return cmd
}

func runBucketList(cmd *cobra.Command, _ []string) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	buckets, err := client.ListBuckets(cmd.Context())
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if buckets == nil {
			buckets = []b2.Bucket{}
		}

		return printJSON(buckets)
	}

	printBuckets(buckets)

	return nil
}

func runBucketGet(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	bucket, err := client.GetBucket(cmd.Context(), parseBucketArg(args[0]))
	if err != nil {
		return err
	}

	return printBucket(cc, bucket)
}

func runBucketCreate(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	bucketType, _ := cmd.Flags().GetString("type")

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	bucket, err := client.CreateBucket(cmd.Context(), args[0], bucketType)
	if err != nil {
		return err
	}

	cc.Statusf("Created bucket %s\n", bucket.BucketName)

	return printBucket(cc, bucket)
}

func runBucketUpdate(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	bucket, err := client.UpdateBucket(cmd.Context(), parseBucketArg(args[0]), args[1])
	if err != nil {
		return err
	}

	cc.Statusf("Updated bucket %s\n", bucket.BucketName)

	return printBucket(cc, bucket)
}

func runBucketDelete(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	bucket, err := client.DeleteBucket(cmd.Context(), parseBucketArg(args[0]))
	if err != nil {
		return err
	}

	cc.Statusf("Deleted bucket %s\n", bucket.BucketName)

	if cc.Flags.JSON {
		return printJSON(bucket)
	}

	return nil
}

func printBucket(cc *CLIContext, b *b2.Bucket) error {
	if cc.Flags.JSON {
		return printJSON(b)
	}

	fmt.Fprintf(os.Stdout, "Name: %s\n", b.BucketName)
	fmt.Fprintf(os.Stdout, "ID:   %s\n", b.BucketID)
	fmt.Fprintf(os.Stdout, "Type: %s\n", b.BucketType)

	return nil
}

func printBuckets(buckets []b2.Bucket) {
	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []string{b.BucketName, b.BucketID, b.BucketType})
	}

	printTable(os.Stdout, []string{"NAME", "ID", "TYPE"}, rows)
}
