package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/validator-cli/internal/alert"
	"github.com/sells-group/validator-cli/internal/anomaly"
	"github.com/sells-group/validator-cli/internal/auth"
	"github.com/sells-group/validator-cli/internal/config"
	"github.com/sells-group/validator-cli/internal/fetch"
	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/internal/orchestrator"
	"github.com/sells-group/validator-cli/internal/verify"
	"github.com/sells-group/validator-cli/pkg/inference"
)

// buildOrchestrator wires the pipeline stages from application config.
func buildOrchestrator(c *config.Config) *orchestrator.Orchestrator {
	inf := inference.NewClient(c.Inference.Key,
		inference.WithModel(c.Inference.Model),
		inference.WithMaxTokens(int64(c.Inference.MaxTokens)),
		inference.WithTimeout(time.Duration(c.Inference.TimeoutSecs)*time.Second),
	)

	fetcher := fetch.NewClient(auth.NewResolver(), inf, fetch.Options{
		DefaultTimeout: time.Duration(c.Fetch.DefaultTimeoutSecs) * time.Second,
		RatePerHost:    rate.Limit(c.Fetch.RatePerHost),
		RateBurst:      c.Fetch.RateBurst,
	})

	return orchestrator.New(
		fetcher,
		verify.NewChecker(inf),
		anomaly.NewAggregator(inf),
		alert.NewDispatcher(inf),
	)
}

// configFile is the YAML shape accepted by `run --config`: one service
// configuration plus an optional alert block.
type configFile struct {
	model.ServiceConfig `yaml:",inline"`
	Alert               *model.AlertConfig `yaml:"alert,omitempty"`
}

// loadConfigFile reads a service configuration (and optional alert config)
// from a YAML file.
func loadConfigFile(path string) (*model.ServiceConfig, *model.AlertConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "read config file %s", path)
	}

	var cf configFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, nil, eris.Wrapf(err, "parse config file %s", path)
	}
	if cf.ConfigName == "" {
		return nil, nil, eris.Errorf("config file %s: config_name is required", path)
	}
	if cf.PrimaryService.ServiceID == "" {
		return nil, nil, eris.Errorf("config file %s: primary_service.service_id is required", path)
	}

	svc := cf.ServiceConfig
	if cf.Alert != nil {
		cf.Alert.ConfigID = svc.ConfigID
	}
	return &svc, cf.Alert, nil
}
