// Command octo stores files as chunked blobs from the command line. File
// content written to stdout is never mixed with logs, which go to stderr.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
