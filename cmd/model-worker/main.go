package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/must"

	"github.com/replicate/model-runner/internal/child"
	"github.com/replicate/model-runner/internal/config"
	"github.com/replicate/model-runner/internal/util"

	// Built-in predictors available to this host binary. Model authors build
	// their own worker with their predictor packages imported here.
	_ "github.com/replicate/model-runner/examples/hello"
)

type Config struct {
	Predictor string `ff:"long: predictor, nodefault, usage: registered predictor name"`
	Tee       bool   `ff:"long: tee, default: false, usage: mirror model output to the original stdout and stderr"`
}

func main() {
	var cfg Config
	flags := ff.NewFlagSet("model-worker")
	must.Do(flags.AddStruct(&cfg))

	cmd := &ff.Command{
		Name:  "model-worker",
		Usage: "model-worker [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			name := cfg.Predictor
			if name == "" {
				yaml, err := util.ReadModelYaml(must.Get(os.Getwd()))
				if err != nil {
					return fmt.Errorf("no --predictor and no model.yaml: %w", err)
				}
				name, err = yaml.PredictorName()
				if err != nil {
					return err
				}
			}
			return child.Run(ctx, child.Config{
				PredictorName: name,
				Weights:       os.Getenv(config.WeightsEnv),
				Tee:           cfg.Tee,
			})
		},
	}

	err := cmd.Parse(os.Args[1:])
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	}

	if err := cmd.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
