package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/NodePath81/rmbt/internal/app"
	"github.com/NodePath81/rmbt/internal/config"
	"github.com/NodePath81/rmbt/internal/results"
	"github.com/NodePath81/rmbt/internal/store"
	"github.com/NodePath81/rmbt/internal/util"
	"github.com/NodePath81/rmbt/internal/version"
)

const defaultConfigPath = "rmbt.yaml"

type overrides struct {
	host     string
	port     int
	token    string
	threads  int
	duration int
	tls      bool
}

func (o overrides) apply(cfg *config.Config) {
	if o.host != "" {
		cfg.Server.Host = o.host
	}
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	if o.token != "" {
		cfg.Server.Token = o.token
	}
	if o.threads > 0 {
		cfg.Test.Workers = o.threads
	}
	if o.duration > 0 {
		cfg.Test.Duration = o.duration
	}
	if o.tls {
		enabled := true
		cfg.Server.TLS.Enabled = &enabled
	}
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", defaultConfigPath, "Path to config file")
			var o overrides
			runCmd.StringVar(&o.host, "host", "", "Measurement server host")
			runCmd.IntVar(&o.port, "port", 0, "Measurement server port")
			runCmd.StringVar(&o.token, "token", "", "Test token")
			runCmd.IntVar(&o.threads, "threads", 0, "Number of parallel connections")
			runCmd.IntVar(&o.duration, "duration", 0, "Download and upload duration in seconds")
			runCmd.BoolVar(&o.tls, "tls", false, "Use TLS")
			asJSON := runCmd.Bool("json", false, "Print the result as JSON")
			_ = runCmd.Parse(os.Args[2:])
			if o.host == "" && runCmd.NArg() > 0 {
				o.host = runCmd.Arg(0)
			}
			os.Exit(runTest(*configPath, o, *asJSON))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", defaultConfigPath, "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == defaultConfigPath && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "serve":
			serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
			configPath := serveCmd.String("config", defaultConfigPath, "Path to config file")
			_ = serveCmd.Parse(os.Args[2:])
			os.Exit(serve(*configPath))
		case "history":
			historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
			configPath := historyCmd.String("config", defaultConfigPath, "Path to config file")
			limit := historyCmd.Int("n", 20, "Number of runs to list")
			show := historyCmd.String("show", "", "Print the archived result of one test id as JSON")
			_ = historyCmd.Parse(os.Args[2:])
			os.Exit(history(*configPath, *limit, *show))
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}
	printHelp()
	os.Exit(2)
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Config{}, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runTest(configPath string, o overrides, asJSON bool) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	logger := util.NewLoggerWithLevel(os.Stderr, cfg.Log.Level)

	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()
	res, err := rt.Run(ctx)
	if err != nil {
		code := 1
		if ctx.Err() != nil {
			logger.Warn("test aborted")
			code = 130
		} else {
			logger.Error("test failed", "error", err)
		}
		if res.TestID == "" {
			return code
		}
		if asJSON {
			_ = encodeJSON(failedRun{TestID: res.TestID, Error: err.Error(), Threads: res.Threads})
		} else {
			printPartial(res)
		}
		return code
	}
	if asJSON {
		if err := encodeJSON(res); err != nil {
			logger.Error("encode result", "error", err)
			return 1
		}
		return 0
	}
	printResult(res)
	return 0
}

type failedRun struct {
	TestID  string                 `json:"test_id"`
	Error   string                 `json:"error"`
	Threads []results.ThreadResult `json:"threads"`
}

func encodeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPartial shows what each worker got before the run failed.
func printPartial(res results.TestResult) {
	fmt.Printf("test id:   %s (incomplete)\n", res.TestID)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tREMOTE\tPINGS\tDOWN SAMPLES\tUP SAMPLES\tRECEIVED\tSENT\tRECONNECTS")
	for _, t := range res.Threads {
		remote := t.Conn.RemoteAddr
		if remote == "" {
			remote = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t%s\t%d\n", t.WorkerID, remote, len(t.Pings), len(t.Down), len(t.Up),
			util.FormatBytes(float64(t.TotalDown)), util.FormatBytes(float64(t.TotalUp)), t.Reconnects)
	}
	_ = w.Flush()
}

func printResult(res results.TestResult) {
	fmt.Printf("test id:   %s\n", res.TestID)
	fmt.Printf("server:    %s\n", util.NetJoin(res.Host, res.Port))
	if res.Path != nil && res.Path.ServerIP != "" {
		line := res.Path.ServerIP
		if res.Path.Country != "" {
			line += " " + res.Path.Country
		}
		if res.Path.ASN != 0 {
			line += fmt.Sprintf(" AS%d %s", res.Path.ASN, res.Path.ASOrg)
		}
		if res.Path.Interface != "" {
			line += " via " + res.Path.Interface
		}
		fmt.Printf("path:      %s\n", line)
	}
	mode := fmt.Sprintf("%d connections", res.Workers)
	if res.Fallback {
		mode += " (fallback to 1)"
	}
	fmt.Printf("mode:      %s\n", mode)
	fmt.Printf("ping:      %s (median %s)\n", util.FormatLatency(res.ShortestPing), util.FormatLatency(res.MedianPing))
	fmt.Printf("download:  %s (p90 %s, peak %s)\n", util.FormatBitsPerSecond(res.Down.Bps),
		util.FormatBitsPerSecond(res.Down.P90Bps), util.FormatBitsPerSecond(res.Down.Peak1sBps))
	fmt.Printf("upload:    %s (p90 %s, peak %s)\n", util.FormatBitsPerSecond(res.Up.Bps),
		util.FormatBitsPerSecond(res.Up.P90Bps), util.FormatBitsPerSecond(res.Up.Peak1sBps))
	fmt.Printf("transfer:  %s down, %s up\n", util.FormatBytes(float64(res.TotalDown)), util.FormatBytes(float64(res.TotalUp)))
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	host := cfg.Server.Host
	if host == "" {
		host = "(unset)"
	}
	fmt.Printf("config valid: server %s, %d workers, %ds per direction\n", host, cfg.Test.Workers, cfg.Test.Duration)
	os.Exit(0)
}

func serve(configPath string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	logger := util.NewLoggerWithLevel(os.Stderr, cfg.Log.Level)
	ctx, cancel := signalContext()
	defer cancel()
	if err := app.Serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("shutdown requested")
	return 0
}

func history(configPath string, limit int, show string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	archive, err := store.Open(cfg.Archive.Path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open archive: %v\n", err)
		return 1
	}
	defer archive.Close()
	ctx := context.Background()

	if show != "" {
		res, err := archive.Get(ctx, show)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		_ = encodeJSON(res)
		return 0
	}

	runs, err := archive.Recent(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTEST ID\tSERVER\tWORKERS\tPING\tDOWN\tUP\tCOUNTRY")
	for _, r := range runs {
		workers := fmt.Sprintf("%d", r.Workers)
		if r.Fallback {
			workers += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.TestID, util.NetJoin(r.Host, r.Port), workers,
			util.FormatLatency(r.ShortestPing), util.FormatBitsPerSecond(r.DownBps), util.FormatBitsPerSecond(r.UpBps), r.Country)
	}
	_ = w.Flush()
	return 0
}

func printHelp() {
	fmt.Print(`rmbt - multi-connection RMBT throughput measurement client

Usage:
  rmbt run [flags] [host]           Run one measurement
      --config <path>               Config file (default rmbt.yaml)
      --host, --port, --token       Server overrides
      --threads <n>                 Parallel connections
      --duration <s>                Seconds per direction
      --tls                         Use TLS
      --json                        Print the result as JSON
  rmbt check --config <path>        Validate config file
  rmbt serve --config <path>        Run a local RMBT server for development
  rmbt history [-n 20] [-show id]   List archived runs
  rmbt help                         Show this help
  rmbt version                      Print version
`)
}
