package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
device:
  port: /dev/ttyACM0
  driver: tarm
reconnect:
  max_retries: 3
store:
  orientation: integrate
web:
  port: 9090
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Device.Port != "/dev/ttyACM0" || c.Device.Driver != "tarm" {
		t.Errorf("device = %+v", c.Device)
	}
	if c.Device.Baud != 115200 {
		t.Errorf("baud default lost: %d", c.Device.Baud)
	}
	if c.Reconnect.MaxRetries != 3 || c.Reconnect.Multiplier != 2 {
		t.Errorf("reconnect = %+v", c.Reconnect)
	}
	if c.OrientationMode() != orientation.Integrate {
		t.Errorf("orientation = %s", c.Store.Orientation)
	}
	if c.Address() != "0.0.0.0:9090" {
		t.Errorf("Address = %s", c.Address())
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "web:\n  port: 9090\n")
	t.Setenv("BLACKBOX_WEB_PORT", "7000")
	t.Setenv("BLACKBOX_MQTT_BROKER", "tcp://broker:1883")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Web.Port != 7000 {
		t.Errorf("web.port = %d, want env value", c.Web.Port)
	}
	if c.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt.broker = %q", c.MQTT.Broker)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"driver":      {func(c *Config) { c.Device.Driver = "usb" }, "device.driver"},
		"baud":        {func(c *Config) { c.Device.Baud = 0 }, "device.baud"},
		"backoff":     {func(c *Config) { c.Reconnect.MaxMS = 10 }, "reconnect.initial_ms"},
		"multiplier":  {func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "reconnect.multiplier"},
		"history":     {func(c *Config) { c.Store.HistorySize = 0 }, "store.history_size"},
		"orientation": {func(c *Config) { c.Store.Orientation = "fused" }, "store.orientation"},
		"frame len":   {func(c *Config) { c.Decoder.MaxFrameLen = 8 }, "decoder.max_frame_len"},
		"log file":    {func(c *Config) { c.EventLog.File = "x.log"; c.EventLog.MaxFileMB = 0 }, "eventlog.max_file_mb"},
		"confidence":  {func(c *Config) { c.Detect.TriggerConfidence = 2 }, "detect.trigger_confidence"},
		"tilt":        {func(c *Config) { c.Detect.TiltThreshold = 200 }, "detect.tilt_threshold"},
		"web port":    {func(c *Config) { c.Web.Port = 70000 }, "web.port"},
		"mqtt prefix": {func(c *Config) { c.MQTT.Broker = "tcp://x:1883"; c.MQTT.TopicPrefix = "" }, "mqtt.topic_prefix"},
		"qos":         {func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, "device:\n  driver: bluetooth\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseFlagsWin(t *testing.T) {
	path := writeFile(t, "device:\n  port: /dev/ttyUSB0\nweb:\n  port: 9090\n")

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("device", "", "")
	cmd.Flags().Int("port", 8080, "")
	if err := cmd.Flags().Parse([]string{"--config", path, "--device", "/dev/ttyACM1"}); err != nil {
		t.Fatal(err)
	}

	c, err := Parse(cmd)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Device.Port != "/dev/ttyACM1" {
		t.Errorf("device.port = %q, want flag value", c.Device.Port)
	}
	// unchanged flag defaults do not override the file
	if c.Web.Port != 9090 {
		t.Errorf("web.port = %d, want file value", c.Web.Port)
	}
}

func TestConversions(t *testing.T) {
	c := Default()
	p := c.Policy()
	if p.InitialInterval != 250*time.Millisecond || p.MaxRetries != 5 || p.DisconnectTimeout != 2*time.Second {
		t.Errorf("Policy = %+v", p)
	}
	th := c.Thresholds()
	if th.Accel != 15 || th.Tilt != 90 || th.Cooldown != 2*time.Second {
		t.Errorf("Thresholds = %+v", th)
	}
	if fo := c.FileOptions(); fo.MaxBytes != 10<<20 {
		t.Errorf("FileOptions = %+v", fo)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	c := Default()
	c.Device.Port = "/dev/ttyACM0"
	c.Detect.GyroThreshold = 180

	if err := Save(c, path, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Save(c, path, false); err == nil {
		t.Error("Save without overwrite replaced an existing file")
	}
	if err := Save(c, path, true); err != nil {
		t.Errorf("Save with overwrite: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Errorf("round trip:\n got %+v\nwant %+v", got, c)
	}
}

func initCommand(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cmd := &cobra.Command{Use: "init"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().Bool("print", false, "")
	cmd.Flags().BoolP("yes", "y", false, "")
	cmd.Flags().StringP("output", "o", "", "")
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	cmd.SetOut(&out)
	return cmd, &out
}

func TestInitCfg(t *testing.T) {
	t.Setenv("BLACKBOX_CONFIG", writeFile(t, "device:\n  driver: sim\n"))
	t.Setenv("BLACKBOX_DEVICE_BAUD", "57600")

	cmd, out := initCommand(t, "--print")
	if err := InitCfg(cmd, nil); err != nil {
		t.Fatalf("InitCfg --print: %v", err)
	}
	if !strings.Contains(out.String(), "baud: 57600") {
		t.Errorf("printed template:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	cmd, _ = initCommand(t, "-o", path)
	if err := InitCfg(cmd, nil); err != nil {
		t.Fatalf("InitCfg -o: %v", err)
	}
	cmd, _ = initCommand(t, "-o", path)
	if err := InitCfg(cmd, nil); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("second InitCfg = %v", err)
	}
	cmd, _ = initCommand(t, "-o", path, "-y")
	if err := InitCfg(cmd, nil); err != nil {
		t.Errorf("InitCfg -y: %v", err)
	}

	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), "baud: 57600") {
		t.Errorf("saved template:\n%s", saved)
	}
}
