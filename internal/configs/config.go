// Package configs for work with configurations
package configs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Conf for config yaml
type Conf struct {
	Storage struct {
		Folder string `yaml:"folder"`
	} `yaml:"storage"`
	Download struct {
		Concurrency       int   `yaml:"concurrency"`
		TimeoutSeconds    int   `yaml:"timeout_seconds"`
		MaxRedirects      int   `yaml:"max_redirects"`
		RequiredSpaceMB   int64 `yaml:"required_space_mb"`
		RetryClientErrors bool  `yaml:"retry_client_errors"`
	} `yaml:"download"`
	Retry struct {
		BaseDelaySeconds int     `yaml:"base_delay_seconds"`
		Multiplier       float64 `yaml:"multiplier"`
		MaxDelaySeconds  int     `yaml:"max_delay_seconds"`
		MaxAttempts      int     `yaml:"max_attempts"`
	} `yaml:"retry"`
	CloudStorage struct {
		EndPointURL string `yaml:"endpoint_url"`
		Bucket      string `yaml:"bucket"`
		Region      string `yaml:"region"`
		Secrets     struct {
			Key    string `yaml:"aws_key"`
			Secret string `yaml:"aws_secret"`
		} `yaml:"secrets"`
	} `yaml:"cloud_storage"`
	DB string `yaml:"db"`
}

// Load config from file
func Load(fileName string) (res *Conf, err error) {
	res = &Conf{}
	data, err := os.ReadFile(fileName) // nolint
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}

	res.setDefaults()
	if err := res.validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Conf) setDefaults() {
	if c.Download.Concurrency <= 0 {
		c.Download.Concurrency = 4
	}
	if c.Download.TimeoutSeconds <= 0 {
		c.Download.TimeoutSeconds = 30
	}
	if c.Download.MaxRedirects <= 0 {
		c.Download.MaxRedirects = 5
	}
	if c.Download.RequiredSpaceMB <= 0 {
		c.Download.RequiredSpaceMB = 100
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		c.Retry.BaseDelaySeconds = 5
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxDelaySeconds <= 0 {
		c.Retry.MaxDelaySeconds = 300
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
}

func (c *Conf) validate() error {
	if c.Storage.Folder == "" {
		return fmt.Errorf("storage.folder is required")
	}
	return nil
}

// DownloadTimeout as a duration.
func (c *Conf) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// RequiredSpaceBytes episodes are admitted only when this much free space remains.
func (c *Conf) RequiredSpaceBytes() int64 {
	return c.Download.RequiredSpaceMB * 1024 * 1024
}

// RetryBaseDelay as a duration.
func (c *Conf) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds) * time.Second
}

// RetryMaxDelay as a duration.
func (c *Conf) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelaySeconds) * time.Second
}
