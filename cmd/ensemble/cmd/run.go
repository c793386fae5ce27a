package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Execute a design file against the local engine",
	Long: `Execute a design one-shot, printing stream events to stdout.

Examples:
  ensemble run -f design.yaml "Explain TCP"
  ensemble run -f review.yaml --workflow wf-123 "Review the diff"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runDesignFile string
	runWorkflowID string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runDesignFile, "file", "f", "", "design file (yaml)")
	runCmd.Flags().StringVar(&runWorkflowID, "workflow", "", "workflow id scoping editor operations")
	_ = runCmd.MarkFlagRequired("file")
}

func runRun(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(runDesignFile)
	if err != nil {
		return fmt.Errorf("reading design file: %w", err)
	}
	var design core.Design
	if err := yaml.Unmarshal(data, &design); err != nil {
		return fmt.Errorf("parsing design file: %w", err)
	}
	if design.ID == "" {
		design.ID = strings.TrimSuffix(runDesignFile, ".yaml")
	}

	prompt := ""
	if len(args) > 0 {
		prompt = args[0]
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	exec, err := eng.scheduler.Start(&design, runWorkflowID, prompt)
	if err != nil {
		return err
	}

	snapshot, tail := eng.hub.Subscribe(exec.ID)
	defer eng.hub.Unsubscribe(tail)

	for _, ev := range snapshot {
		if printEvent(ev) {
			return nil
		}
	}
	for ev := range tail {
		if printEvent(ev) {
			return nil
		}
	}
	return nil
}

// printEvent writes one event line; returns true on the terminal event.
func printEvent(ev events.Event) bool {
	switch e := ev.(type) {
	case events.AgentChunkEvent:
		fmt.Print(e.Text)
	case events.AgentStartedEvent:
		fmt.Printf("\n--- %s (%s) ---\n", e.Agent, e.BlockID)
	case events.ToolCallEvent:
		fmt.Printf("\n[tool] %s %s\n", e.Tool, e.ArgsSummary)
	case events.BlockCompletedEvent:
		fmt.Printf("\n=== block %s: %s ===\n", e.BlockID, e.Status)
	case events.ExecutionCompletedEvent:
		fmt.Printf("\nexecution %s: %s\n", e.ExecutionID(), e.Status)
		return true
	}
	return false
}
