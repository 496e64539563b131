// packidx packs, inspects and unpacks single-file index artifacts kept
// in object storage or on local disk.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/seal"
)

var (
	verbose   int
	transfers int

	// encryption
	password string
	salt     string
	keyID    string

	// s3
	s3Region      string
	s3Endpoint    string
	s3PartSize    int64
	s3Concurrency int
)

var root = &cobra.Command{
	Use:   "packidx",
	Short: "Work with packed index files",
	Long: `packidx builds and reads packed index files: single objects holding
all the entries of one index artifact, with per entry checksums and
optional transparent encryption.

Targets are local paths or s3://bucket/key URLs. Use -v for progress
output and -vv for debug output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case verbose >= 2:
			logrus.SetLevel(logrus.DebugLevel)
		case verbose == 1:
			logrus.SetLevel(logrus.InfoLevel)
		default:
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

func init() {
	flags := root.PersistentFlags()
	flags.CountVarP(&verbose, "verbose", "v", "Print more, -vv for debug")
	flags.IntVar(&transfers, "transfers", pack.DefaultTransfers, "Number of parallel transfers")
	addKeyFlags(flags)
	addS3Flags(flags)
}

func addKeyFlags(flags *pflag.FlagSet) {
	flags.StringVar(&password, "password", "", "Password for encrypted files, empty means unencrypted")
	flags.StringVar(&salt, "salt", "", "Salt for the password derivation")
	flags.StringVar(&keyID, "key-id", "default", "Name of the wrapping key")
}

func addS3Flags(flags *pflag.FlagSet) {
	flags.StringVar(&s3Region, "s3-region", "", "S3 region")
	flags.StringVar(&s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint")
	flags.Int64Var(&s3PartSize, "s3-part-size", 0, "S3 multipart upload part size in bytes")
	flags.IntVar(&s3Concurrency, "s3-concurrency", 0, "S3 parallel part uploads")
}

// keySource builds the key source from the flags, nil when no password
// was given.
func keySource() (pack.KeySource, error) {
	if password == "" {
		return nil, nil
	}
	return seal.KeyringFromPassword(keyID, password, salt)
}

func main() {
	if err := root.Execute(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}
