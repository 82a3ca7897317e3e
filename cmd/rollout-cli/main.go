// Rollout CLI — управление proposals, заданиями, тенантами
// и шаблонами через HTTP API.
//
// Использование:
//
//	rollout [--api-url URL] [--actor NAME] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	proposal  Proposals развёртываний
//	job       Задания развёртывания и отката
//	sync      Задания синхронизации шаблона
//	tenant    Тенанты и их версии
//	template  Мастер-версии шаблона
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Rollout/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var actor string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "rollout",
		Short:         "Rollout CLI — multi-tenant release orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("ROLLOUT_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	defaultActor := os.Getenv("ROLLOUT_ACTOR")
	if defaultActor == "" {
		defaultActor = os.Getenv("USER")
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor, "Actor recorded for reviews and jobs")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, actor) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewProposalCmd(clientFn, outputFn),
		cli.NewJobCmd(clientFn, outputFn),
		cli.NewSyncCmd(clientFn, outputFn),
		cli.NewTenantCmd(clientFn, outputFn),
		cli.NewTemplateCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
