package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ehrlich-b/go-qcow"
	"github.com/ehrlich-b/go-qcow/internal/config"
	"github.com/ehrlich-b/go-qcow/internal/logger"
)

// errNotClean makes check exit with status 1 without an error message.
var errNotClean = errors.New("image is not clean")

// app carries the state shared by all subcommands.
type app struct {
	v         *viper.Viper
	cfgFile   string
	keyPrompt bool

	cfg *config.Config
	log *zap.Logger
}

// NewRootCmd builds the qcowctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: config.New(), log: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "qcowctl",
		Short: "Inspect and move data in and out of QCOW images",
		Long: `qcowctl reads and writes QCOW (version 1) disk images.

It prints image geometry, copies sectors in and out, exports the whole
virtual disk as raw bytes and checks image metadata for corruption.

Commands:
  info      Show header and geometry
  read      Copy sectors out of an image
  write     Copy a file into an image
  export    Write the virtual disk as a raw (optionally compressed) file
  check     Verify L1/L2 metadata`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is search in standard locations)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log-format", "human", "Log format: json or human")
	flags.String("log-file", "", "Also write logs to this file")
	flags.String("key", "", "Passphrase for AES encrypted images")
	flags.BoolVar(&a.keyPrompt, "key-prompt", false, "Prompt for the passphrase of encrypted images")
	flags.Int("cache-size", qcow.DefaultL2CacheSize, "Number of resident L2 tables")
	flags.String("cache-policy", qcow.PolicyFrequency.String(), "L2 cache eviction: frequency or lru")
	flags.String("write-policy", qcow.WriteBack.String(), "L2 updates: write-back or write-through")

	// Bind flags to viper settings
	for key, name := range map[string]string{
		"debug":        "debug",
		"log_format":   "log-format",
		"log_file":     "log-file",
		"key":          "key",
		"cache.size":   "cache-size",
		"cache.policy": "cache-policy",
		"write_policy": "write-policy",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newInfoCmd(a),
		newReadCmd(a),
		newWriteCmd(a),
		newExportCmd(a),
		newCheckCmd(a),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		if !errors.Is(err, errNotClean) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logger.New(logger.Config{
		Debug:  cfg.Debug,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	a.log = log

	if cfg.ConfigFile != "" {
		log.Debug("loaded config", zap.String("file", cfg.ConfigFile))
	}
	return nil
}

// open opens an image with the configured options. Encrypted images get
// their key from the config or, with --key-prompt, from the terminal.
func (a *app) open(path string, writable bool) (*qcow.Image, error) {
	return a.openImage(path, writable, a.keyPrompt)
}

// openImage is open with the terminal prompt under the caller's control.
// Commands that only read metadata pass prompt=false.
func (a *app) openImage(path string, writable, prompt bool) (*qcow.Image, error) {
	opts, err := a.cfg.ImageOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, qcow.WithLogger(a.log))

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	img, err := qcow.OpenFile(path, flag, opts...)
	if err != nil {
		return nil, err
	}

	if img.IsEncrypted() && a.cfg.Key == "" && prompt {
		key, err := readKey(path)
		if err == nil {
			err = img.SetKey(key)
		}
		if err != nil {
			img.Close()
			return nil, err
		}
	}
	return img, nil
}

// readKey reads a passphrase from the terminal without echo.
func readKey(path string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("--key-prompt needs a terminal on stdin")
	}

	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", path)
	key, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return key, nil
}
