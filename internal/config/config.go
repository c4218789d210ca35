// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/autorec_blackbox/internal/detect"
	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

const (
	AppName    = "blackbox"
	ConfigName = "config"
	EnvPrefix  = "BLACKBOX"
)

var userHomeDir, _ = os.UserHomeDir()

// DefaultPath is where init writes the template.
var DefaultPath = filepath.Join(userHomeDir, ".config", AppName, ConfigName+".yaml")

var searchPaths = []string{
	filepath.Join(userHomeDir, ".config", AppName),
	"/etc/" + AppName,
	"./",
}

// DeviceOpt selects the serial device.
type DeviceOpt struct {
	Port                string `yaml:"port" mapstructure:"port"`     // e.g. /dev/ttyACM0, COM3 or "sim"
	Driver              string `yaml:"driver" mapstructure:"driver"` // jacobsa, tarm or sim
	Baud                int    `yaml:"baud" mapstructure:"baud"`
	ReadTimeoutMS       int    `yaml:"read_timeout_ms" mapstructure:"read_timeout_ms"`
	DisconnectTimeoutMS int    `yaml:"disconnect_timeout_ms" mapstructure:"disconnect_timeout_ms"`
	SimRateMS           int    `yaml:"sim_rate_ms" mapstructure:"sim_rate_ms"`
	Autoconnect         bool   `yaml:"autoconnect" mapstructure:"autoconnect"`
}

// ReconnectOpt is the backoff policy after a link drop.
type ReconnectOpt struct {
	InitialMS  int     `yaml:"initial_ms" mapstructure:"initial_ms"`
	MaxMS      int     `yaml:"max_ms" mapstructure:"max_ms"`
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
	MaxRetries int     `yaml:"max_retries" mapstructure:"max_retries"`
}

type DecoderOpt struct {
	MaxFrameLen int `yaml:"max_frame_len" mapstructure:"max_frame_len"`
}

type StoreOpt struct {
	HistorySize int    `yaml:"history_size" mapstructure:"history_size"`
	Orientation string `yaml:"orientation" mapstructure:"orientation"` // direct or integrate
}

type EventLogOpt struct {
	Capacity  int    `yaml:"capacity" mapstructure:"capacity"`
	File      string `yaml:"file" mapstructure:"file"` // empty disables the file sink
	MaxFileMB int    `yaml:"max_file_mb" mapstructure:"max_file_mb"`
	Keep      int    `yaml:"keep" mapstructure:"keep"`
	MinFreeMB int    `yaml:"min_free_mb" mapstructure:"min_free_mb"`
}

type DetectOpt struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	AccelThreshold    float64 `yaml:"accel_threshold" mapstructure:"accel_threshold"` // m/s²
	GyroThreshold     float64 `yaml:"gyro_threshold" mapstructure:"gyro_threshold"`   // °/s
	JerkThreshold     float64 `yaml:"jerk_threshold" mapstructure:"jerk_threshold"`   // m/s³
	TiltThreshold     float64 `yaml:"tilt_threshold" mapstructure:"tilt_threshold"`   // degrees of roll or pitch
	CooldownMS        int     `yaml:"cooldown_ms" mapstructure:"cooldown_ms"`
	TriggerConfidence float64 `yaml:"trigger_confidence" mapstructure:"trigger_confidence"`
	// AutoRecordSeconds > 0 starts a recording when an event triggers and
	// stops it after this long.
	AutoRecordSeconds int `yaml:"auto_record_seconds" mapstructure:"auto_record_seconds"`
}

type RecorderOpt struct {
	Path      string `yaml:"path" mapstructure:"path"` // empty disables recording
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	FlushMS   int    `yaml:"flush_ms" mapstructure:"flush_ms"`
}

type WebOpt struct {
	Interface string `yaml:"interface" mapstructure:"interface"`
	Port      int    `yaml:"port" mapstructure:"port"`
	RefreshMS int    `yaml:"refresh_ms" mapstructure:"refresh_ms"` // websocket push interval
}

type MQTTOpt struct {
	Broker      string `yaml:"broker" mapstructure:"broker"` // empty disables publishing
	ClientID    string `yaml:"client_id" mapstructure:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         int    `yaml:"qos" mapstructure:"qos"`
}

// Config holds all application configuration values.
type Config struct {
	Device    DeviceOpt    `yaml:"device" mapstructure:"device"`
	Reconnect ReconnectOpt `yaml:"reconnect" mapstructure:"reconnect"`
	Decoder   DecoderOpt   `yaml:"decoder" mapstructure:"decoder"`
	Store     StoreOpt     `yaml:"store" mapstructure:"store"`
	EventLog  EventLogOpt  `yaml:"eventlog" mapstructure:"eventlog"`
	Detect    DetectOpt    `yaml:"detect" mapstructure:"detect"`
	Recorder  RecorderOpt  `yaml:"recorder" mapstructure:"recorder"`
	Web       WebOpt       `yaml:"web" mapstructure:"web"`
	MQTT      MQTTOpt      `yaml:"mqtt" mapstructure:"mqtt"`
	Debug     bool         `yaml:"debug" mapstructure:"debug"`
}

// Default returns a complete configuration that runs against the simulator.
func Default() Config {
	th := detect.DefaultThresholds()
	return Config{
		Device: DeviceOpt{
			Port:                transport.SimDevice,
			Driver:              transport.DriverJacobsa,
			Baud:                115200,
			ReadTimeoutMS:       500,
			DisconnectTimeoutMS: 2000,
			SimRateMS:           20,
		},
		Reconnect: ReconnectOpt{
			InitialMS:  250,
			MaxMS:      5000,
			Multiplier: 2,
			MaxRetries: 5,
		},
		Decoder: DecoderOpt{MaxFrameLen: 160},
		Store: StoreOpt{
			HistorySize: 1024,
			Orientation: orientation.Direct.String(),
		},
		EventLog: EventLogOpt{
			Capacity:  eventlog.DefaultCapacity,
			MaxFileMB: 10,
			Keep:      9,
			MinFreeMB: 100,
		},
		Detect: DetectOpt{
			Enabled:           true,
			AccelThreshold:    th.Accel,
			GyroThreshold:     th.Gyro,
			JerkThreshold:     th.Jerk,
			TiltThreshold:     th.Tilt,
			CooldownMS:        int(th.Cooldown / time.Millisecond),
			TriggerConfidence: th.TriggerConfidence,
			AutoRecordSeconds: 30,
		},
		Recorder: RecorderOpt{
			BatchSize: 256,
			FlushMS:   1000,
		},
		Web: WebOpt{
			Interface: "0.0.0.0",
			Port:      8080,
			RefreshMS: 100,
		},
		MQTT: MQTTOpt{
			ClientID:    "blackbox",
			TopicPrefix: "blackbox",
		},
	}
}

// flagKeys binds command line flags to config keys when the command
// defines them.
var flagKeys = map[string]string{
	"device.port":        "device",
	"device.driver":      "driver",
	"device.baud":        "baud",
	"device.autoconnect": "connect",
	"web.port":           "port",
	"web.interface":      "interface",
	"mqtt.broker":        "mqtt-broker",
	"recorder.path":      "record-db",
	"eventlog.file":      "log-file",
	"debug":              "debug",
}

// Parse resolves the configuration for cmd, in increasing precedence:
// defaults, config file, BLACKBOX_* environment, command line flags.
//
// The file is taken from --config, then BLACKBOX_CONFIG, then the first
// config.yaml found in ~/.config/blackbox, /etc/blackbox and the working
// directory.
func Parse(cmd *cobra.Command) (Config, error) {
	v := newViper()

	if file, err := cmd.Flags().GetString("config"); err == nil && file != "" {
		v.SetConfigFile(file)
	} else if file := os.Getenv(EnvPrefix + "_CONFIG"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
	}

	for key, flag := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}

	if err := v.ReadInConfig(); err == nil {
		log.Debugf("config: using %s", v.ConfigFileUsed())
	} else if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
		log.Debugf("config: no config file found, using defaults")
	} else {
		return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	return decode(v)
}

// Load reads one YAML file over the defaults, honouring the environment.
func Load(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	var defaults map[string]any
	raw, _ := yaml.Marshal(Default())
	_ = yaml.Unmarshal(raw, &defaults)
	setDefaults(v, "", defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	switch c.Device.Driver {
	case transport.DriverJacobsa, transport.DriverTarm, transport.DriverSim:
	default:
		return fmt.Errorf("device.driver must be one of jacobsa, tarm, sim, got %q", c.Device.Driver)
	}
	if c.Device.Baud <= 0 {
		return fmt.Errorf("device.baud must be positive, got %d", c.Device.Baud)
	}
	if c.Device.DisconnectTimeoutMS <= 0 {
		return fmt.Errorf("device.disconnect_timeout_ms must be positive, got %d", c.Device.DisconnectTimeoutMS)
	}
	if c.Reconnect.InitialMS <= 0 || c.Reconnect.MaxMS < c.Reconnect.InitialMS {
		return fmt.Errorf("reconnect.initial_ms must be positive and not above reconnect.max_ms, got %d/%d",
			c.Reconnect.InitialMS, c.Reconnect.MaxMS)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %g", c.Reconnect.Multiplier)
	}
	if c.Reconnect.MaxRetries < 0 || c.Reconnect.MaxRetries > 100 {
		return fmt.Errorf("reconnect.max_retries must be 0-100, got %d", c.Reconnect.MaxRetries)
	}
	if c.Decoder.MaxFrameLen < 32 || c.Decoder.MaxFrameLen > 4096 {
		return fmt.Errorf("decoder.max_frame_len must be 32-4096, got %d", c.Decoder.MaxFrameLen)
	}
	if c.Store.HistorySize <= 0 {
		return fmt.Errorf("store.history_size must be positive, got %d", c.Store.HistorySize)
	}
	if _, err := orientation.ParseMode(c.Store.Orientation); err != nil {
		return fmt.Errorf("store.orientation must be direct or integrate, got %q", c.Store.Orientation)
	}
	if c.EventLog.Capacity <= 0 {
		return fmt.Errorf("eventlog.capacity must be positive, got %d", c.EventLog.Capacity)
	}
	if c.EventLog.File != "" && c.EventLog.MaxFileMB <= 0 {
		return fmt.Errorf("eventlog.max_file_mb must be positive when eventlog.file is set")
	}
	if c.Detect.Enabled && c.Detect.AccelThreshold <= 0 && c.Detect.GyroThreshold <= 0 &&
		c.Detect.JerkThreshold <= 0 && c.Detect.TiltThreshold <= 0 {
		return fmt.Errorf("detect is enabled but every threshold is disabled")
	}
	if c.Detect.TiltThreshold < 0 || c.Detect.TiltThreshold >= 180 {
		return fmt.Errorf("detect.tilt_threshold must be 0-180 degrees, got %g", c.Detect.TiltThreshold)
	}
	if c.Detect.TriggerConfidence < 0 || c.Detect.TriggerConfidence > 1 {
		return fmt.Errorf("detect.trigger_confidence must be 0-1, got %g", c.Detect.TriggerConfidence)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.Web.RefreshMS <= 0 {
		return fmt.Errorf("web.refresh_ms must be positive, got %d", c.Web.RefreshMS)
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required when mqtt.broker is set")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS)
	}
	return nil
}

// ApplyLogLevel sets the logrus level from Debug.
func (c Config) ApplyLogLevel() {
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// DriverOptions returns the transport driver settings.
func (c Config) DriverOptions() transport.DriverOptions {
	return transport.DriverOptions{
		Driver:      c.Device.Driver,
		Baud:        c.Device.Baud,
		ReadTimeout: ms(c.Device.ReadTimeoutMS),
		SimRate:     ms(c.Device.SimRateMS),
	}
}

// Policy returns the transport reconnect policy.
func (c Config) Policy() transport.Policy {
	return transport.Policy{
		InitialInterval:   ms(c.Reconnect.InitialMS),
		MaxInterval:       ms(c.Reconnect.MaxMS),
		Multiplier:        c.Reconnect.Multiplier,
		MaxRetries:        c.Reconnect.MaxRetries,
		DisconnectTimeout: ms(c.Device.DisconnectTimeoutMS),
	}
}

// Thresholds returns the detector settings.
func (c Config) Thresholds() detect.Thresholds {
	return detect.Thresholds{
		Accel:             c.Detect.AccelThreshold,
		Gyro:              c.Detect.GyroThreshold,
		Jerk:              c.Detect.JerkThreshold,
		Tilt:              c.Detect.TiltThreshold,
		Cooldown:          ms(c.Detect.CooldownMS),
		TriggerConfidence: c.Detect.TriggerConfidence,
	}
}

// FileOptions returns the event log file sink settings.
func (c Config) FileOptions() eventlog.FileOptions {
	return eventlog.FileOptions{
		MaxBytes:  int64(c.EventLog.MaxFileMB) << 20,
		Keep:      c.EventLog.Keep,
		MinFreeMB: uint64(c.EventLog.MinFreeMB),
	}
}

// RecorderOptions returns the session recorder writer settings.
func (c Config) RecorderOptions() recorder.Options {
	return recorder.Options{
		BatchSize:     c.Recorder.BatchSize,
		FlushInterval: ms(c.Recorder.FlushMS),
	}
}

// OrientationMode returns the parsed store.orientation value.
func (c Config) OrientationMode() orientation.Mode {
	m, _ := orientation.ParseMode(c.Store.Orientation)
	return m
}

// Address is the web listen address.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Web.Interface, c.Web.Port)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Save writes c as YAML to path, creating the directory. An existing file
// is only replaced when overwrite is set.
func Save(c Config, path string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return w.Flush()
}

// InitCfg writes the resolved configuration as a template, to stdout with
// --print or to --output otherwise. An existing file is only replaced with
// --yes.
func InitCfg(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwriteFlag, _ := cmd.Flags().GetBool("yes")

	c, err := Parse(cmd)
	if err != nil {
		log.Errorln(err)
		return err
	}

	if printFlag {
		buf, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("config: encode: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(buf))
		return nil
	}
	if outputPath == "" {
		outputPath = DefaultPath
	}
	if err := Save(c, outputPath, overwriteFlag); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("config: %s already exists, use --yes to overwrite", outputPath)
		}
		return err
	}
	log.Infof("config: written to %s", outputPath)
	return nil
}
