// Command skillscale-discover is an operator CLI for inspecting a
// skills directory without running a full skill server: scan prints
// the discovered topic/skill map, validate checks for structural
// problems, and watch hot-rescans and prints each change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skillscale/skillscale/internal/discovery"
	"github.com/skillscale/skillscale/internal/obs"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "skillscale-discover",
	Short: "Inspect a SkillScale skills directory",
}

func init() {
	scanCmd.Flags().StringP("dir", "d", "./skills", "skills directory to scan (overridden by a positional root argument)")
	validateCmd.Flags().StringP("dir", "d", "./skills", "skills directory to validate (overridden by a positional root argument)")
	watchCmd.Flags().StringP("dir", "d", "./skills", "skills directory to watch (overridden by a positional root argument)")

	rootCmd.AddCommand(scanCmd, validateCmd, watchCmd)
}

// rootArg resolves the skills directory from a positional argument (scan
// <root>) when given, falling back to the --dir flag otherwise.
func rootArg(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	dir, _ := cmd.Flags().GetString("dir")
	return dir
}

var scanCmd = &cobra.Command{
	Use:   "scan [root]",
	Short: "Scan the skills directory and print the topic/skill map as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := discovery.NewScanner(rootArg(cmd, args)).Scan()
		if err != nil {
			return err
		}
		return yaml.NewEncoder(os.Stdout).Encode(summarize(snap))
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [root]",
	Short: "Scan the skills directory and fail if any skill has no runnable executable",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := discovery.NewScanner(rootArg(cmd, args)).Scan()
		if err != nil {
			return err
		}
		bad := 0
		for _, topic := range snap.Topics() {
			for _, skill := range snap.SkillsForTopic(topic) {
				detail, err := discovery.LoadDetail(skill)
				if err != nil {
					fmt.Printf("FAIL  %-20s %-20s %v\n", topic, skill.Name, err)
					bad++
					continue
				}
				if detail.ScriptPath == "" {
					fmt.Printf("FAIL  %-20s %-20s no runnable script under scripts/\n", topic, skill.Name)
					bad++
					continue
				}
				fmt.Printf("OK    %-20s %-20s %s\n", topic, skill.Name, detail.ScriptPath)
			}
		}
		if bad > 0 {
			return fmt.Errorf("%d skill(s) failed validation", bad)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [root]",
	Short: "Watch the skills directory and print the topic/skill map on every change",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := obs.NewLogger(obs.LoggerConfig{Level: "info", Format: "pretty", Service: "skillscale-discover"})

		scanner := discovery.NewScanner(rootArg(cmd, args))
		watcher, err := discovery.NewWatcher(scanner, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printSnapshot(watcher.Current())
		go func() {
			_ = watcher.Run(ctx)
		}()

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		last := watcher.Current()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if cur := watcher.Current(); cur != last {
					last = cur
					printSnapshot(cur)
				}
			}
		}
	},
}

type topicSummary struct {
	Topic  string   `yaml:"topic"`
	Skills []string `yaml:"skills"`
}

func summarize(snap *discovery.Snapshot) []topicSummary {
	out := make([]topicSummary, 0, len(snap.Topics()))
	for _, topic := range snap.Topics() {
		var names []string
		for _, skill := range snap.SkillsForTopic(topic) {
			names = append(names, skill.Name)
		}
		out = append(out, topicSummary{Topic: topic, Skills: names})
	}
	return out
}

func printSnapshot(snap *discovery.Snapshot) {
	_ = yaml.NewEncoder(os.Stdout).Encode(summarize(snap))
}
