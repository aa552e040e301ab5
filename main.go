package main

import (
	"errors"
	"fmt"
	"os"
)

// exitPartialFailure is the exit status when a bulk upload finished but
// some files failed.
const exitPartialFailure = 2

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errUploadIncomplete) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitPartialFailure)
		}

		exitOnError(err)
	}
}
