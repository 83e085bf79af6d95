package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"chronicler/internal/app"
	"chronicler/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var verbose bool

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(ctx context.Context, command string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, command, verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase takes CHRONICLER_PASSPHRASE when set and otherwise prompts
// on the terminal with echo disabled.
func readPassphrase(prompt string, confirm bool) (string, error) {
	if p := os.Getenv("CHRONICLER_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for passphrase prompt (set CHRONICLER_PASSPHRASE)")
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}

var rootCmd = &cobra.Command{
	Use:          "chronicler",
	Short:        "Archive chat messages into a git repository",
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the configuration and archive repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		repoDir, _ := cmd.Flags().GetString("repo")
		if repoDir == "" {
			repoDir = defaults.RepoDir
		}
		if repoDir, err = filepath.Abs(repoDir); err != nil {
			return fmt.Errorf("resolving repo path: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir, repoDir)
		cfg.Git.Remote, _ = cmd.Flags().GetString("remote")
		if err := app.Init(cmd.Context(), defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("initializing: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Archive:   %s\n", cfg.RepoDir)
		fmt.Printf("Spool:     %s\n", cfg.Spool.Dir)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		return (&config.Manager{}).Write(os.Stdout, cfg)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Archive envelope files once",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ingest")
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.Ingest(cmd.Context(), args)
		for _, r := range results {
			switch {
			case r.Err != nil:
				fmt.Printf("FAIL  %s  %v\n", r.Path, r.Err)
			case r.Result.Save != nil && r.Result.Save.Duplicate:
				fmt.Printf("DUP   %s\n", r.Path)
			case r.Result.Save != nil:
				fmt.Printf("OK    %s  %s\n", r.Path, shortHash(r.Result.Save.Commit.Hash))
			default:
				fmt.Printf("SKIP  %s  %s\n", r.Path, r.Result.Reason)
			}
		}
		if err != nil {
			return errors.New("some files could not be archived")
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Archive envelopes from the spool directory as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "watch")
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("metrics-addr")
		if addr == "" {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			addr = cfg.Metrics.Addr
		}
		return a.Watch(cmd.Context(), addr)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push to the remote and mirror attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sync")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Sync(cmd.Context())
		if res != nil {
			switch {
			case res.Push.Skipped:
				fmt.Println("Push skipped: no remote configured")
			case res.Rebased:
				fmt.Printf("Pushed to %s/%s after rebase\n", res.Push.Remote, res.Push.Branch)
			case err == nil:
				fmt.Printf("Pushed to %s/%s\n", res.Push.Remote, res.Push.Branch)
			}
			fmt.Printf("Mirrored %d attachment(s)\n", res.Mirrored)
		}
		return err
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Commit changes left behind by an interrupted run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "recover")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Recover(cmd.Context())
		if err != nil {
			return err
		}
		if res.Empty {
			fmt.Println("Nothing to recover.")
			return nil
		}
		fmt.Printf("Recovered in commit %s\n", shortHash(res.Hash))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check topic logs and attachment references",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "verify")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Verify(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range report.Problems {
			fmt.Println(p.String())
		}
		fmt.Printf("%d topic(s), %d message(s), %d problem(s)\n", report.Topics, report.Messages, len(report.Problems))
		if !report.OK() {
			return errors.New("archive has problems")
		}
		return nil
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List archived groups and topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "topics")
		if err != nil {
			return err
		}
		defer a.Close()

		topics, err := a.Topics()
		if err != nil {
			return err
		}
		if len(topics) == 0 {
			fmt.Println("No topics archived.")
			return nil
		}
		for _, t := range topics {
			fmt.Printf("%-24s  %-20s  %s\n", t.Key(), t.GroupName, t.Name)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View save operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		failed, _ := cmd.Flags().GetBool("failed")

		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit, failed)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			topic := fmt.Sprintf("%d/%d", op.GroupID, op.TopicID)
			fmt.Printf("%s  %-20s  %-10s  %-10s  %-22s  %s\n",
				op.StartedAt.Format("2006-01-02 15:04:05"),
				topic,
				op.MessageID,
				op.Status,
				op.Stage,
				duration,
			)
			if op.Error != "" {
				fmt.Printf("    %s\n", strings.ReplaceAll(op.Error, "\n", "\n    "))
			}
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage mirror encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the mirror encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("New passphrase: ", true)
		if err != nil {
			return err
		}
		if err := app.SetupKeys(cfg, passphrase); err != nil {
			return fmt.Errorf("creating keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Access the off-site attachment mirror",
}

var mirrorFetchCmd = &cobra.Command{
	Use:   "fetch CHECKSUM OUT",
	Short: "Download and decrypt a mirrored attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		var passphrase string
		if cfg.Mirror.Encrypt {
			if passphrase, err = readPassphrase("Passphrase: ", false); err != nil {
				return err
			}
		}

		out, err := os.OpenFile(args[1], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		if err := app.FetchMirrored(cmd.Context(), cfg, args[0], passphrase, out); err != nil {
			out.Close()
			os.Remove(args[1])
			return err
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("closing output: %w", err)
		}
		fmt.Printf("Wrote %s\n", args[1])
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages")

	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("repo", "", "Archive repository directory")
	initCmd.Flags().String("remote", "", "Git remote URL; may reference ${CHRONICLER_GIT_TOKEN}")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	historyCmd.Flags().Bool("failed", false, "Show only failed operations")

	keysCmd.AddCommand(keysInitCmd)
	rootCmd.AddCommand(keysCmd)
	mirrorCmd.AddCommand(mirrorFetchCmd)
	rootCmd.AddCommand(mirrorCmd)
}
