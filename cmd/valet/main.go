package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quietlabs/valet/internal/config"
	"github.com/quietlabs/valet/internal/gateway"
	"github.com/quietlabs/valet/internal/memory"
)

// ChatOptions carries injectable dependencies for the chat command.
type ChatOptions struct {
	Gateway *gateway.Gateway
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "valet",
	Short: "valet - personal conversational assistant",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in single message or REPL mode",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant service (router + memory + cron)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show valet status",
	RunE:  runStatus,
}

var (
	messageFlag  string
	rememberFlag string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	onboardCmd.Flags().StringVar(&rememberFlag, "remember", "", "Seed a personal memory during onboarding")
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing.
func runChatWithOptions(opts ChatOptions) error {
	gw := opts.Gateway
	if gw == nil {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Provider.APIKey == "" {
			return fmt.Errorf("API key not set. Run 'valet onboard' or set VALET_API_KEY")
		}
		gw, err = gateway.New(cfg, gateway.Options{})
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
	}
	defer gw.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	// Single message mode
	if messageFlag != "" {
		reply, err := gw.Process(ctx, "cli", messageFlag, nil)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		fmt.Fprintln(stdout, reply.Text)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "valet chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := gw.Process(ctx, "cli-repl", input, nil)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply.Text)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'valet onboard' or set VALET_API_KEY")
	}

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("Data directory ready: %s\n", config.DataDir())

	if rememberFlag != "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		gw, err := gateway.New(cfg, gateway.Options{})
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
		defer gw.Shutdown()
		if _, err := gw.Remember(context.Background(), memory.CategoryPersonal, rememberFlag); err != nil {
			return fmt.Errorf("seed memory: %w", err)
		}
		fmt.Println("Stored personal memory.")
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set VALET_API_KEY environment variable")
	fmt.Println("  3. Run 'valet chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Embeddings: enabled=%v model=%s\n", cfg.Memory.Embedding.Enabled, cfg.Memory.Embedding.Model)
	for _, tier := range []string{"simple", "moderate", "complex", "reasoning"} {
		if entry, ok := cfg.Models.Tiers[tier]; ok {
			fmt.Printf("Model (%s): %s\n", tier, entry.Model)
		}
	}

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		fmt.Printf("Gateway: error (%v)\n", err)
		return nil
	}
	defer gw.Shutdown()

	st, err := gw.Status(context.Background())
	if err != nil {
		fmt.Printf("Status: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Memory: %d records, %d embeddings", st.Memory.Records, st.Memory.Embeddings)
	if st.Memory.Orphans > 0 || st.Memory.Expired > 0 {
		fmt.Printf(" (%d orphaned, %d expired)", st.Memory.Orphans, st.Memory.Expired)
	}
	fmt.Println()
	for _, cat := range []string{memory.CategoryPersonal, memory.CategoryPreference, memory.CategoryInsight, memory.CategorySystem} {
		if n := st.Memory.ByCategory[cat]; n > 0 {
			fmt.Printf("  %s: %d\n", cat, n)
		}
	}
	fmt.Printf("Handlers: %s\n", strings.Join(st.Handlers, ", "))
	fmt.Printf("Scheduled jobs: %d\n", st.Jobs)

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "openai (default)"
	}
	return t
}
