package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
	_ "go.uber.org/automaxprocs"

	"github.com/replicate/model-runner/internal/config"
	"github.com/replicate/model-runner/internal/service"
	"github.com/replicate/model-runner/internal/util"
)

var logger = logging.New("model-server")

type Config struct {
	Host                  string `ff:"long: host, default: 0.0.0.0, usage: HTTP server host"`
	Port                  int    `ff:"long: port, default: 5000, usage: HTTP server port"`
	WorkingDir            string `ff:"long: working-dir, nodefault, usage: working directory"`
	StateDir              string `ff:"long: state-dir, nodefault, usage: directory for the readiness marker"`
	WorkerBinary          string `ff:"long: worker-binary, nodefault, usage: worker binary path"`
	Predictor             string `ff:"long: predictor, nodefault, usage: registered predictor name"`
	AwaitExplicitShutdown bool   `ff:"long: await-explicit-shutdown, default: false, usage: await explicit shutdown"`
	UploadUrl             string `ff:"long: upload-url, nodefault, usage: output file upload URL"`
	PredictTimeout        int    `ff:"long: predict-timeout, default: 0, usage: per-prediction timeout in seconds, 0 disables"`
	ShutdownGracePeriod   int    `ff:"long: shutdown-grace-period, default: 5, usage: shutdown grace period in seconds"`
}

func main() {
	log := logger.Sugar()

	var cfg Config
	flags := ff.NewFlagSet("model-server")
	must.Do(flags.AddStruct(&cfg))

	cmd := &ff.Command{
		Name:  "model-server",
		Usage: "model-server [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			yaml, yamlErr := util.ReadModelYaml(must.Get(os.Getwd()))

			predictor := cfg.Predictor
			if predictor == "" {
				if yamlErr != nil {
					return fmt.Errorf("no --predictor and no model.yaml: %w", yamlErr)
				}
				name, err := yaml.PredictorName()
				if err != nil {
					return err
				}
				predictor = name
			}
			workingDir := cfg.WorkingDir
			if workingDir == "" {
				workingDir = must.Get(os.MkdirTemp("", "model-server-"))
			}
			workerBinary := cfg.WorkerBinary
			if workerBinary == "" {
				// Default to a sibling of this binary
				workerBinary = filepath.Join(filepath.Dir(must.Get(os.Executable())), "model-worker")
			}
			log.Infow("configuration",
				"working-dir", workingDir,
				"predictor", predictor,
				"worker-binary", workerBinary,
				"await-explicit-shutdown", cfg.AwaitExplicitShutdown,
				"upload-url", cfg.UploadUrl,
			)

			svcCfg := config.Config{
				Host:                  cfg.Host,
				Port:                  cfg.Port,
				AwaitExplicitShutdown: cfg.AwaitExplicitShutdown,
				WorkingDirectory:      workingDir,
				StateDirectory:        cfg.StateDir,
				UploadURL:             cfg.UploadUrl,
				WorkerBinary:          workerBinary,
				PredictorName:         predictor,
				PredictTimeout:        time.Duration(cfg.PredictTimeout) * time.Second,
				ShutdownGracePeriod:   time.Duration(cfg.ShutdownGracePeriod) * time.Second,
				CleanupTimeout:        10 * time.Second,
			}
			svcCfg.LoadEnv()

			svc := service.New(svcCfg, logger)
			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			if yamlErr == nil {
				go util.SendRunnerMetric(*yaml)
			}

			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if code := svc.ExitCode(); code != 0 {
				return fmt.Errorf("worker exited with code %d", code)
			}
			return nil
		},
	}

	err := cmd.Parse(os.Args[1:])
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		log.Error(err)
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	}

	log.Infow("starting model server", "version", util.Version())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		if cfg.AwaitExplicitShutdown {
			// SIGTERM is handled gracefully by the service in this mode
			signal.Notify(ch, os.Interrupt)
		} else {
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		}
		s := <-ch
		log.Infow("stopping model server", "signal", s)
		cancel()
	}()
	if err := cmd.Run(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
	log.Info("shutdown completed normally")
}
