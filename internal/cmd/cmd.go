// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/autorec_blackbox/internal/app"
	"github.com/relabs-tech/autorec_blackbox/internal/config"
	"github.com/relabs-tech/autorec_blackbox/internal/detect"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

var RootCmd = &cobra.Command{
	Use:   "blackbox",
	Short: "telemetry core of the AutoRec Black Box vehicle logger",
	Long:  "telemetry core of the AutoRec Black Box vehicle logger",
}

// loadConfig resolves the configuration and applies the log level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Parse(cmd)
	if err != nil {
		return c, err
	}
	c.ApplyLogLevel()
	return c, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ServeCmdRunE(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := app.Build(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warnln(err)
		}
	}()

	ctx, stop := signalContext()
	defer stop()
	return rt.Run(ctx)
}

func configFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "default configuration path")
}

func ServeCmdFlags(cmd *cobra.Command) {
	d := config.Default()
	configFlag(cmd)
	cmd.Flags().StringP("device", "d", d.Device.Port, "serial device path, or \"sim\" for the built-in simulator")
	cmd.Flags().String("driver", d.Device.Driver, "serial driver: jacobsa, tarm or sim")
	cmd.Flags().Int("baud", d.Device.Baud, "serial baud rate")
	cmd.Flags().Bool("connect", d.Device.Autoconnect, "connect to the device on startup")
	cmd.Flags().IntP("port", "p", d.Web.Port, "port that the web API listens on")
	cmd.Flags().StringP("interface", "i", d.Web.Interface, "interface that the web API listens on")
	cmd.Flags().String("mqtt-broker", d.MQTT.Broker, "publish telemetry to this MQTT broker, e.g. tcp://localhost:1883")
	cmd.Flags().String("record-db", d.Recorder.Path, "sqlite database for logging sessions; empty disables recording")
	cmd.Flags().String("log-file", d.EventLog.File, "append the event log to this file")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var ServeCmd = &cobra.Command{
	Use: "serve",
	SuggestFor: []string{
		"ru", "ser", "run",
	},
	Short: "serve runs the telemetry pipeline and web API",
	Long: `serve runs the telemetry pipeline and web API using predefined configs, by the following order:
1. path specified in --config flag
2. path defined BLACKBOX_CONFIG environment variable
3. default location $HOME/.config/blackbox/config.yaml, /etc/blackbox/config.yaml
The parameters in the configuration file will be overwritten by the following order:
1. command line arguments
2. environment variables (BLACKBOX_DEVICE_PORT, BLACKBOX_WEB_PORT, ...)
`,
	Example: `  blackbox serve --config=/path/to/config.yaml
  blackbox serve -d /dev/ttyACM0 --connect --record-db ~/blackbox.db
  blackbox serve -d sim --connect`,
	RunE: ServeCmdRunE,
}

func InitCmdFlags(cmd *cobra.Command) {
	configFlag(cmd)
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultPath, "specify output path")
}

var InitCmd = &cobra.Command{
	Use: "init",
	SuggestFor: []string{
		"ini", "in",
	},
	Short: "init create a configuration template",
	Long: `init create a configuration template.
The configuration file can be used to launch the black box server.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified
Otherwise init will output configuration file to $HOME/.config/blackbox/config.yaml
If --yes / -y flag is present, an existing file will be overwritten
`,
	Example: `  blackbox init --print
  blackbox init --output /path/to/config.yaml
  blackbox init -o /path/to/config.yaml -y`,
	RunE: config.InitCfg,
}

var PortsCmd = &cobra.Command{
	Use: "ports",
	SuggestFor: []string{
		"port", "probe", "list",
	},
	Short: "ports lists the serial ports, Arduino boards first",
	Example: `  blackbox ports`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tPRODUCT\tARDUINO")
		for _, p := range ports {
			ids := "-"
			if p.USB {
				ids = p.VID + ":" + p.PID
			}
			arduino := ""
			if p.Arduino {
				arduino = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, ids, p.Serial, p.Product, arduino)
		}
		return w.Flush()
	},
}

func ReplayCmdFlags(cmd *cobra.Command) {
	configFlag(cmd)
	cmd.Flags().Bool("json", false, "print every decoded frame as a JSON line")
	cmd.Flags().Bool("detect", true, "run event detection with the configured thresholds")
	cmd.Flags().String("record-db", "", "store the replayed frames as a session in this database")
	cmd.Flags().String("name", "", "session name when recording")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var ReplayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "replay decodes a raw serial capture file",
	Long: `replay decodes a raw serial capture file, e.g. one saved with
  cat /dev/ttyACM0 > drive.txt
and reports decoder statistics and detected events. Use "-" to read stdin.
`,
	Example: `  blackbox replay drive.txt
  blackbox replay --json drive.txt | jq .accel
  blackbox replay --record-db ~/blackbox.db --name "test track" drive.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		jsonFlag, _ := cmd.Flags().GetBool("json")
		detectFlag, _ := cmd.Flags().GetBool("detect")
		name, _ := cmd.Flags().GetString("name")
		db, _ := cmd.Flags().GetString("record-db")

		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		opt := app.ReplayOptions{MaxFrameLen: c.Decoder.MaxFrameLen, JSON: jsonFlag, SessionName: name}
		if detectFlag {
			opt.Detector = detect.New(c.Thresholds())
		}
		if db != "" {
			rec, err := recorder.Open(db, c.RecorderOptions())
			if err != nil {
				return err
			}
			defer rec.Close()
			opt.Recorder = rec
		}

		res, err := app.Replay(in, cmd.OutOrStdout(), opt)
		if err != nil {
			return err
		}
		if jsonFlag {
			return nil
		}

		out := cmd.OutOrStdout()
		d := res.Decoder
		fmt.Fprintf(out, "frames      %s\n", humanize.Comma(int64(d.Frames)))
		fmt.Fprintf(out, "discarded   %d checksum, %d malformed, %d oversize, %d foreign\n",
			d.Checksum, d.Malformed, d.Oversize, d.Unsupported)
		fmt.Fprintf(out, "noise       %s\n", humanize.Bytes(d.NoiseBytes))
		for _, e := range res.Events {
			fmt.Fprintf(out, "event       %s\n", e)
		}
		if res.Session != nil {
			fmt.Fprintf(out, "session     %d %q, %d frames\n", res.Session.ID, res.Session.Name, res.Session.Frames)
		}
		return nil
	},
}

func SessionsCmdFlags(cmd *cobra.Command) {
	configFlag(cmd)
	cmd.Flags().String("record-db", "", "sqlite session database")
	cmd.Flags().Int64("export", 0, "print the frames of this session as JSON lines")
}

var SessionsCmd = &cobra.Command{
	Use: "sessions",
	SuggestFor: []string{
		"session", "logs",
	},
	Short: "sessions lists recorded logging sessions",
	Example: `  blackbox sessions --record-db ~/blackbox.db
  blackbox sessions --export 3 > session3.jsonl`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if c.Recorder.Path == "" {
			return fmt.Errorf("no session database: set recorder.path or --record-db")
		}
		rec, err := recorder.Open(c.Recorder.Path, c.RecorderOptions())
		if err != nil {
			return err
		}
		defer rec.Close()

		out := cmd.OutOrStdout()
		if id, _ := cmd.Flags().GetInt64("export"); id != 0 {
			frames, err := rec.Frames(id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for _, f := range frames {
				if err := enc.Encode(f); err != nil {
					return err
				}
			}
			return nil
		}

		sessions, err := rec.Sessions()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTARTED\tDURATION\tFRAMES\tEVENTS")
		for _, s := range sessions {
			duration := "recording"
			if !s.Active() {
				duration = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Name, humanize.Time(s.StartedAt),
				duration, humanize.Comma(s.Frames), s.Events)
		}
		return w.Flush()
	},
}

func DashboardCmdFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("address", "a", "127.0.0.1:8080", "address of a running blackbox serve")
	cmd.Flags().StringP("device", "d", "", "device sent with the connect key, empty for the server default")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var DashboardCmd = &cobra.Command{
	Use: "dashboard",
	SuggestFor: []string{
		"dash", "ui", "console",
	},
	Short: "dashboard shows the live feed of a running server in the terminal",
	Long: `dashboard shows the live feed of a running server in the terminal.
Keys: c connect, d disconnect, l start/stop logging, q quit.
`,
	Example: `  blackbox dashboard
  blackbox dashboard -a 192.168.1.20:8080`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		address, _ := cmd.Flags().GetString("address")
		device, _ := cmd.Flags().GetString("device")
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			log.SetLevel(log.DebugLevel)
		}
		ctx, stop := signalContext()
		defer stop()
		return app.RunDashboard(ctx, address, device)
	},
}

var rootOnce sync.Once

func getRootCmd() *cobra.Command {
	rootOnce.Do(registerCommands)
	return RootCmd
}

func registerCommands() {
	ServeCmdFlags(ServeCmd)
	RootCmd.AddCommand(ServeCmd)

	InitCmdFlags(InitCmd)
	RootCmd.AddCommand(InitCmd)

	RootCmd.AddCommand(PortsCmd)

	ReplayCmdFlags(ReplayCmd)
	RootCmd.AddCommand(ReplayCmd)

	SessionsCmdFlags(SessionsCmd)
	RootCmd.AddCommand(SessionsCmd)

	DashboardCmdFlags(DashboardCmd)
	RootCmd.AddCommand(DashboardCmd)
}

// Execute runs the blackbox command line.
func Execute() {
	if err := getRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// ExecuteDashboard runs the dashboard as a standalone command.
func ExecuteDashboard() {
	DashboardCmdFlags(DashboardCmd)
	DashboardCmd.Use = "blackbox-dashboard"
	if err := DashboardCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
