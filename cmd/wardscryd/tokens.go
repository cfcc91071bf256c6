package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardscry/wardscry/pkg/adapters/sqlite"
	"github.com/wardscry/wardscry/pkg/config"
	"github.com/wardscry/wardscry/pkg/core"
)

var (
	tokensJSON     bool
	addName        string
	addPath        string
	addTemplate    string
	addSensitivity string
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Inspect and manage token definitions",
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tokens",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		defer store.Close()

		tokens, err := store.ListTokens(context.Background())
		if err != nil {
			fatal("listing tokens", err)
		}

		if tokensJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(tokens); err != nil {
				fatal("encoding JSON", err)
			}
			return
		}

		for _, t := range tokens {
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Sensitivity, t.Name, t.Path)
		}
	},
}

var tokensAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an existing file as a token",
	Long: `Registers a file that is already on disk as a honeytoken. Planting
decoy content is handled elsewhere; the daemon only needs the path.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		sensitivity := core.Sensitivity(addSensitivity)
		if !sensitivity.Valid() {
			fatal("adding token", fmt.Errorf("invalid sensitivity %q", addSensitivity))
		}
		abs, err := filepath.Abs(addPath)
		if err != nil {
			fatal("adding token", err)
		}
		if _, err := os.Stat(abs); err != nil {
			fatal("adding token", fmt.Errorf("path must exist: %w", err))
		}
		name := addName
		if name == "" {
			name = filepath.Base(abs)
		}

		store := openStore()
		defer store.Close()

		id, err := store.InsertToken(context.Background(), core.Token{
			Name:        name,
			Path:        abs,
			Template:    addTemplate,
			Sensitivity: sensitivity,
			Status:      core.StatusOK,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			fatal("adding token", err)
		}
		fmt.Printf("token %d registered at %s\n", id, abs)
	},
}

var tokensResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Reset a triggered token back to ok",
	Long: `The daemon never clears a triggered token on its own. This is the
external reset path; event history is kept.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("resetting token", fmt.Errorf("invalid token id %q", args[0]))
		}

		store := openStore()
		defer store.Close()

		if err := store.ResetTokenStatus(context.Background(), id); err != nil {
			fatal("resetting token", err)
		}
		fmt.Printf("token %d reset to ok\n", id)
	},
}

var tokensRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a token definition (events are kept)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("removing token", fmt.Errorf("invalid token id %q", args[0]))
		}

		store := openStore()
		defer store.Close()

		if err := store.DeleteToken(context.Background(), id); err != nil {
			fatal("removing token", err)
		}
		fmt.Printf("token %d removed\n", id)
	},
}

func openStore() *sqlite.Store {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("loading config", err)
	}
	store, err := sqlite.Open(context.Background(), cfg.DBPath)
	if err != nil {
		fatal("opening token store", err)
	}
	return store
}

func init() {
	rootCmd.AddCommand(tokensCmd)
	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensAddCmd)
	tokensCmd.AddCommand(tokensResetCmd)
	tokensCmd.AddCommand(tokensRemoveCmd)

	tokensListCmd.Flags().BoolVar(&tokensJSON, "json", false, "Output in JSON format")

	tokensAddCmd.Flags().StringVar(&addName, "name", "", "Display name (defaults to the file name)")
	tokensAddCmd.Flags().StringVar(&addPath, "path", "", "Absolute or relative path of the planted file")
	tokensAddCmd.Flags().StringVar(&addTemplate, "template", "generic", "Decoy template identifier")
	tokensAddCmd.Flags().StringVar(&addSensitivity, "sensitivity", string(core.SensitivityMedium), "low, medium, high or critical")
	_ = tokensAddCmd.MarkFlagRequired("path")
}
