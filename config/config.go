// Package config loads the settings of the event batcher from an optional JSON settings file, a .env file and the
// environment. Nested keys map to environment variables by upper-casing them and replacing dots with double
// underscores, so eventBatching.maxEvents is read from EVENTBATCHING__MAXEVENTS.
package config

//	MIT License
//
//	Copyright (c) Microsoft Corporation. All rights reserved.
//
//	Permission is hereby granted, free of charge, to any person obtaining a copy
//	of this software and associated documentation files (the "Software"), to deal
//	in the Software without restriction, including without limitation the rights
//	to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
//	copies of the Software, and to permit persons to whom the Software is
//	furnished to do so, subject to the following conditions:
//
//	The above copyright notice and this permission notice shall be included in all
//	copies or substantial portions of the Software.
//
//	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
//	IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
//	FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
//	AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
//	LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
//	OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
//	SOFTWARE

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// StoreBlob keeps checkpoints in Azure Blob Storage
	StoreBlob = "blob"
	// StoreFile keeps checkpoints in a local directory
	StoreFile = "file"
	// StoreRedis keeps checkpoints in redis
	StoreRedis = "redis"
	// StoreMemory keeps checkpoints in memory only
	StoreMemory = "memory"

	defaultSettingsName = "appsettings"

	// hubNameEnv is the host-provided hub name used when eventHub.name is not configured
	hubNameEnv = "WEBJOBS_NAME"
)

type (
	// Config is the complete configuration of the event batcher
	Config struct {
		EventBatching     EventBatching     `mapstructure:"eventBatching"`
		Checkpoint        Checkpoint        `mapstructure:"checkpoint"`
		CheckpointStorage CheckpointStorage `mapstructure:"checkpointStorage"`
		EventHub          EventHub          `mapstructure:"eventHub"`
		Debug             bool              `mapstructure:"debug"`
		MetricsAddr       string            `mapstructure:"metricsAddr"`
	}

	// EventBatching configures the flush thresholds of the batching engine
	EventBatching struct {
		MaxEvents        int           `mapstructure:"maxEvents"`
		FlushTimespan    time.Duration `mapstructure:"flushTimespan"`
		IdleSafetyMargin time.Duration `mapstructure:"idleSafetyMargin"`
	}

	// Checkpoint configures where and how often checkpoints are published
	Checkpoint struct {
		Prefix          string        `mapstructure:"prefix"`
		Store           string        `mapstructure:"store"`
		PublishInterval time.Duration `mapstructure:"publishInterval"`
	}

	// CheckpointStorage holds the connection settings of every checkpoint store
	CheckpointStorage struct {
		ConnectionString string `mapstructure:"connectionString"`
		AccountName      string `mapstructure:"accountName"`
		ContainerName    string `mapstructure:"containerName"`
		Directory        string `mapstructure:"directory"`
		RedisAddr        string `mapstructure:"redisAddr"`
		RedisPassword    string `mapstructure:"redisPassword"`
	}

	// EventHub configures the upstream Event Hub
	EventHub struct {
		ConnectionString string        `mapstructure:"connectionString"`
		Namespace        string        `mapstructure:"namespace"`
		Name             string        `mapstructure:"name"`
		KeyName          string        `mapstructure:"keyName"`
		Key              string        `mapstructure:"key"`
		ConsumerGroup    string        `mapstructure:"consumerGroup"`
		MaxWaitTime      time.Duration `mapstructure:"maxWaitTime"`
		PrefetchCount    uint32        `mapstructure:"prefetchCount"`
	}
)

var defaults = map[string]interface{}{
	"eventBatching.maxEvents":            100,
	"eventBatching.flushTimespan":        300,
	"eventBatching.idleSafetyMargin":     5,
	"checkpoint.prefix":                  "",
	"checkpoint.store":                   StoreBlob,
	"checkpoint.publishInterval":         10,
	"checkpointStorage.connectionString": "",
	"checkpointStorage.accountName":      "",
	"checkpointStorage.containerName":    "",
	"checkpointStorage.directory":        "",
	"checkpointStorage.redisAddr":        "",
	"checkpointStorage.redisPassword":    "",
	"eventHub.connectionString":          "",
	"eventHub.namespace":                 "",
	"eventHub.name":                      "",
	"eventHub.keyName":                   "",
	"eventHub.key":                       "",
	"eventHub.consumerGroup":             "$Default",
	"eventHub.maxWaitTime":               60,
	"eventHub.prefetchCount":             0,
	"debug":                              false,
	"metricsAddr":                        "",
}

// Load reads the configuration. When path is empty an appsettings.json in the working directory is used if present.
// Values from the environment, including a .env file, override the settings file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		log.Debugf("ignoring .env file: %v", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(append([]string{key}, envNames(key)...)...); err != nil {
			return nil, errors.Wrapf(err, "binding environment for %s", key)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultSettingsName)
		v.SetConfigType("json")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to load configuration file")
		}
	}

	cfg := new(Config)
	hook := mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook,
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting which is missing or out of range
func (c *Config) Validate() error {
	switch {
	case c.EventBatching.MaxEvents < 1:
		return errors.Errorf("eventBatching.maxEvents must be at least 1, got %d", c.EventBatching.MaxEvents)
	case c.EventBatching.FlushTimespan <= 0:
		return errors.New("eventBatching.flushTimespan must be positive")
	case c.EventBatching.IdleSafetyMargin < 0:
		return errors.New("eventBatching.idleSafetyMargin must not be negative")
	case c.Checkpoint.PublishInterval <= 0:
		return errors.New("checkpoint.publishInterval must be positive")
	case c.EventHub.MaxWaitTime <= 0:
		return errors.New("eventHub.maxWaitTime must be positive")
	case c.Checkpoint.Prefix == "":
		return errors.New("checkpoint.prefix or eventHub.name is required")
	}

	switch c.Checkpoint.Store {
	case StoreBlob:
		if c.CheckpointStorage.ContainerName == "" {
			return errors.New("checkpointStorage.containerName is required for the blob checkpoint store")
		}
		if c.CheckpointStorage.ConnectionString == "" && c.CheckpointStorage.AccountName == "" {
			return errors.New("checkpointStorage.connectionString or checkpointStorage.accountName is required for the blob checkpoint store")
		}
	case StoreFile:
		if c.CheckpointStorage.Directory == "" {
			return errors.New("checkpointStorage.directory is required for the file checkpoint store")
		}
	case StoreRedis:
		if c.CheckpointStorage.RedisAddr == "" {
			return errors.New("checkpointStorage.redisAddr is required for the redis checkpoint store")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unknown checkpoint store %q", c.Checkpoint.Store)
	}
	return nil
}

// ValidateEventHub reports whether the settings describe an Event Hub which can be connected to
func (c *Config) ValidateEventHub() error {
	if c.EventHub.Name == "" {
		return errors.New("eventHub.name is required")
	}
	if c.EventHub.ConnectionString != "" {
		return nil
	}
	if c.EventHub.Namespace == "" || c.EventHub.KeyName == "" || c.EventHub.Key == "" {
		return errors.New("eventHub.connectionString, or eventHub.namespace with eventHub.keyName and eventHub.key, is required")
	}
	return nil
}

func (c *Config) applyFallbacks() {
	if c.EventHub.Name == "" {
		c.EventHub.Name = os.Getenv(hubNameEnv)
	}
	if c.Checkpoint.Prefix == "" {
		c.Checkpoint.Prefix = c.EventHub.Name
	}
	c.Checkpoint.Store = strings.ToLower(strings.TrimSpace(c.Checkpoint.Store))
}

// secondsToDurationHook reads bare numbers as a number of seconds
// envNames lists the environment variables a settings key is read from: the upper-case form and the
// PascalCase form used by .NET hosts, e.g. EVENTBATCHING__MAXEVENTS and EventBatching__MaxEvents.
func envNames(key string) []string {
	segments := strings.Split(key, ".")
	pascal := make([]string, len(segments))
	for i, segment := range segments {
		if segment != "" {
			pascal[i] = strings.ToUpper(segment[:1]) + segment[1:]
		}
	}
	return []string{
		strings.ToUpper(strings.Join(segments, "__")),
		strings.Join(pascal, "__"),
	}
}

func secondsToDurationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}

	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	case reflect.String:
		if seconds, err := strconv.ParseFloat(strings.TrimSpace(data.(string)), 64); err == nil {
			return time.Duration(seconds * float64(time.Second)), nil
		}
	}
	return data, nil
}
