package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one validation for a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		svcCfg, alertCfg, err := loadConfigFile(runConfigPath)
		if err != nil {
			return err
		}

		orch := buildOrchestrator(cfg)
		result, report := orch.Run(ctx, svcCfg, alertCfg)

		zap.L().Info("validation complete",
			zap.String("run_id", result.RunID.String()),
			zap.String("status", string(result.Status)),
			zap.Int("rules_checked", result.RulesChecked),
			zap.Int("rules_failed", result.RulesFailed),
			zap.Int("anomalies", result.AnomaliesDetected),
		)

		out := struct {
			*model.RunResult
			Report *model.AnomalyReport `json:"anomaly_report,omitempty"`
		}{result, report}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return eris.Wrap(err, "encode result")
		}

		if result.Status != model.RunStatusCompleted {
			return eris.Errorf("run ended with status %s: %s", result.Status, result.ErrorMessage)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to service configuration YAML (required)")
	_ = runCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(runCmd)
}
