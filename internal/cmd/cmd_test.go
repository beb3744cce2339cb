package cmd

import "testing"

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "trellm" {
		t.Errorf("rootCmd.Use = %q, want trellm", rootCmd.Use)
	}

	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	if !cmdMap["stats"] {
		t.Error("stats subcommand not registered")
	}

	if rootCmd.Flags().Lookup("once") == nil {
		t.Error("--once flag missing")
	}
	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
	if rootCmd.PersistentFlags().Lookup("verbose") == nil {
		t.Error("--verbose flag missing")
	}
}
