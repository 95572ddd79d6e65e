package main

import (
	"fmt"
	"os"
	"time"

	"VinoDetServer/logger"

	"gopkg.in/yaml.v3"
)

type modelConfig struct {
	Name         string `yaml:"name"`
	Architecture string `yaml:"architecture"`
	Model        string `yaml:"model"`
	Labels       string `yaml:"labels"`
	Device       string `yaml:"device"`
	// Fallback devices are tried in order when Device cannot compile the model.
	Fallback []string          `yaml:"fallback"`
	Affinity map[string]string `yaml:"affinity"`
	Warmup   int               `yaml:"warmup"`
}

type configStruct struct {
	RPCPort          int            `yaml:"RPCPort"`
	HTTPPort         int            `yaml:"HTTPPort"`
	MetricsPort      int            `yaml:"MetricsPort"`
	WorkersNum       int            `yaml:"workersNum"`
	Log              logger.Options `yaml:"log"`
	JournalPath      string         `yaml:"journalPath"`
	JournalRetention time.Duration  `yaml:"journalRetention"`
	ModelDir         string         `yaml:"modelDir"`
	IdleTimeout      time.Duration  `yaml:"idleTimeout"`
	UseRegServer     bool           `yaml:"UseRegServer"`
	RegServerPort    int            `yaml:"RegServerPort"`
	RegServerHost    string         `yaml:"RegServerHost"`
	Models           []modelConfig  `yaml:"models"`
}

func loadConfig(path string) (configStruct, error) {
	configData, err := os.ReadFile(path)
	if err != nil {
		return configStruct{}, fmt.Errorf("failed to read config file: %w", err)
	}
	config := configStruct{}
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return configStruct{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return configStruct{}, err
	}
	return config, nil
}

func (c *configStruct) applyDefaults() {
	if c.RPCPort == 0 {
		c.RPCPort = 50051
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 50052
	}
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
	}
	if c.ModelDir == "" {
		c.ModelDir = "models"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	for i := range c.Models {
		m := &c.Models[i]
		if m.Device == "" {
			m.Device = "CPU"
		}
	}
}

func (c *configStruct) validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: no models configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		switch {
		case m.Name == "":
			return fmt.Errorf("config: models[%d] has no name", i)
		case seen[m.Name]:
			return fmt.Errorf("config: model %s configured twice", m.Name)
		case m.Model == "":
			return fmt.Errorf("config: model %s has no model path", m.Name)
		case m.Architecture == "":
			return fmt.Errorf("config: model %s has no architecture", m.Name)
		case m.Warmup < 0:
			return fmt.Errorf("config: model %s has negative warmup", m.Name)
		}
		seen[m.Name] = true
	}
	if c.UseRegServer && c.RegServerHost == "" {
		return fmt.Errorf("config: UseRegServer needs RegServerHost")
	}
	return nil
}

// devices lists every configured primary device, used for the instance class.
func (c *configStruct) devices() []string {
	out := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, m.Device)
	}
	return out
}
