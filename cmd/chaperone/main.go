package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veloraco/chaperone/internal/config"
	"github.com/veloraco/chaperone/internal/gateway"
	"github.com/veloraco/chaperone/internal/judge"
	"github.com/veloraco/chaperone/internal/logger"
	"github.com/veloraco/chaperone/internal/memory"
)

var rootCmd = &cobra.Command{
	Use:   "chaperone",
	Short: "chaperone - a gatekeeper chat bot with long-term memory",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway (channels + decision engine + memory)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chaperone status",
	RunE:  runStatus,
}

var judgeCmd = &cobra.Command{
	Use:   "judge",
	Short: "Run one message through the rule judge and print the verdicts",
	RunE:  runJudge,
}

var (
	messageFlag  string
	platformFlag string
	userFlag     string
)

func init() {
	judgeCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message to judge")
	_ = judgeCmd.MarkFlagRequired("message")
	statusCmd.Flags().StringVar(&platformFlag, "platform", "", "Show memory info for this platform (with --user)")
	statusCmd.Flags().StringVar(&userFlag, "user", "", "Show memory info for this user (with --platform)")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, judgeCmd)
}

func main() {
	zlog.Logger = logger.New("chaperone")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return onboardTo(os.Stdout)
}

func onboardTo(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CHAPERONE_API_KEY / CHAPERONE_TELEGRAM_TOKEN")
	fmt.Fprintln(out, "  3. Run 'chaperone run' to start the gateway")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return statusTo(os.Stdout, platformFlag, userFlag)
}

func statusTo(out io.Writer, platform, user string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	if key := cfg.Provider.APIKey; key == "" {
		fmt.Fprintln(out, "API Key: not set (rule judge will be used)")
	} else if len(key) > 8 {
		fmt.Fprintf(out, "API Key: %s...%s\n", key[:4], key[len(key)-4:])
	} else {
		fmt.Fprintln(out, "API Key: set")
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Memory capacity: %d records per user\n", cfg.Memory.Capacity)
	fmt.Fprintf(out, "Participation: enabled=%v window=%s group=%.2f dm=%.2f\n",
		cfg.Decision.Participation.Enabled,
		cfg.Decision.Participation.Window,
		cfg.Decision.Participation.GroupThreshold,
		cfg.Decision.Participation.DMThreshold)

	if platform != "" && user != "" {
		return memoryInfoTo(out, cfg, platform, user)
	}
	return nil
}

func memoryInfoTo(out io.Writer, cfg *config.Config, platform, user string) error {
	synonyms, err := memory.LoadSynonyms(cfg.Memory.SynonymsPath)
	if err != nil {
		return fmt.Errorf("load synonyms: %w", err)
	}
	dbPath := strings.TrimSpace(cfg.Memory.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "memory.db")
	}
	store, err := memory.NewStore(dbPath, cfg.Memory.Capacity, synonyms)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	info, err := store.Info(context.Background(), platform, user)
	if err != nil {
		fmt.Fprintf(out, "Memory: no store for %s/%s\n", platform, user)
		return nil
	}
	fmt.Fprintf(out, "Memory: %d records for %s/%s, last updated %s\n",
		info.RecordCount, platform, user, info.LastUpdated.Format(time.RFC3339))
	return nil
}

func runJudge(cmd *cobra.Command, args []string) error {
	return judgeTo(os.Stdout, messageFlag)
}

func judgeTo(out io.Writer, message string) error {
	rules := judge.NewRuleJudge()
	ctx := context.Background()

	for _, kind := range []judge.Kind{judge.KindSecurity, judge.KindClassification, judge.KindInfoValue} {
		j, err := rules.Judge(ctx, kind, message, "")
		if err != nil {
			return fmt.Errorf("judge %s: %w", kind, err)
		}
		fmt.Fprintf(out, "%s: %s (%s)\n", kind, j.Verdict, j.Reasoning)
		if len(j.Facts) > 0 {
			data, _ := json.MarshalIndent(j.Facts, "", "  ")
			fmt.Fprintf(out, "facts: %s\n", data)
		}
	}
	return nil
}
