package main

import (
	"fmt"
	"os"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/secrets"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// secretKeys maps the names accepted by "config set" to env file keys
var secretKeys = map[string]string{
	"github-token":   secrets.KeyGitHubToken,
	"completion-key": secrets.KeyCompletionKey,
}

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration and which secrets are set",
		RunE:  runConfigShow,
	}
	configCmd.AddCommand(showCmd)

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a secret (github-token or completion-key) in the secrets file",
		Args:  cobra.ExactArgs(2),
		RunE:  runConfigSet,
	}
	configCmd.AddCommand(setCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE:  runConfigInit,
	}
	configCmd.AddCommand(initCmd)

	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)

	store, err := secrets.NewStore(config.ExpandPath(cfg.Secrets.EnvFile))
	if err != nil {
		return err
	}
	st := store.Status()
	fmt.Printf("\n# secrets (%s)\n", store.Path())
	fmt.Printf("# github token set:   %t\n", st.GitHubTokenSet)
	fmt.Printf("# completion key set: %t\n", st.CompletionKeySet)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, ok := secretKeys[args[0]]
	if !ok {
		return fmt.Errorf("unknown key %q: want github-token or completion-key", args[0])
	}
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	store, err := secrets.NewStore(config.ExpandPath(cfg.Secrets.EnvFile))
	if err != nil {
		return err
	}
	if err := store.Set(map[string]string{key: args[1]}); err != nil {
		return err
	}
	fmt.Printf("Stored %s in %s\n", args[0], store.Path())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
