package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/trialdispatcher/internal/api"
	"github.com/determined-ai/trialdispatcher/internal/channel"
	"github.com/determined-ai/trialdispatcher/internal/config"
	"github.com/determined-ai/trialdispatcher/internal/dispatcher"
	"github.com/determined-ai/trialdispatcher/internal/environment"
	"github.com/determined-ai/trialdispatcher/internal/storage"
	"github.com/determined-ai/trialdispatcher/pkg/check"
	"github.com/determined-ai/trialdispatcher/pkg/logger"
)

const defaultConfigPath = "/etc/trial-dispatcher/dispatcher.yaml"

const (
	trialPollInterval = time.Second
	cleanUpTimeout    = time.Minute
)

var trialsFile string

var rootCmd = &cobra.Command{
	Use:   "trial-dispatcher",
	Short: "Run hyperparameter tuning trials on reusable environments",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRoot(); err != nil {
			log.Error(fmt.Sprintf("%+v", err))
			os.Exit(1)
		}
	},
}

func runRoot() error {
	config, err := initializeConfig()
	if err != nil {
		return err
	}
	logFile, err := logger.SetLogrus(config.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if config.ManagerIP == "" {
		if config.ManagerIP, err = detectManagerIP(); err != nil {
			return err
		}
	}

	printableConfig, err := config.Printable()
	if err != nil {
		return err
	}
	log.Infof("dispatcher configuration: %s", printableConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, config.Storage, config.ExperimentDir())
	if err != nil {
		return errors.Wrap(err, "cannot initialize storage")
	}
	envs, err := environment.New(config.Environment, config.ExperimentDir())
	if err != nil {
		return errors.Wrap(err, "cannot initialize environment service")
	}

	e := api.NewEcho()
	ch := channel.NewWebsocket(e)
	d, err := dispatcher.New(config.ToDispatcherConfig(), envs, store, ch, clockwork.NewRealClock())
	if err != nil {
		return errors.Wrap(err, "cannot initialize dispatcher")
	}
	removeAPI, err := api.Register(e, d)
	if err != nil {
		return err
	}
	defer removeAPI()

	if trialsFile != "" {
		if err := submitTrials(d, trialsFile); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return api.Serve(gctx, e, config.Port)
	})
	g.Go(func() error {
		return d.Run(gctx)
	})
	if trialsFile != "" {
		g.Go(func() error {
			defer cancel()
			return waitForTrials(gctx, d, clockwork.NewRealClock(), trialPollInterval)
		})
	}
	runErr := g.Wait()

	cctx, ccancel := context.WithTimeout(context.Background(), cleanUpTimeout)
	defer ccancel()
	if err := d.CleanUp(cctx); err != nil {
		log.WithError(err).Error("failed to clean up environments")
	}
	return runErr
}

// initializeConfig returns the validated configuration populated from config file, environment
// variables and command line flags.
func initializeConfig() (*config.Config, error) {
	// Fetch an initial config to get the config file path and read its settings into Viper.
	initialConfig, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(initialConfig.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err = mergeConfigBytesIntoViper(bs); err != nil {
		return nil, err
	}

	config, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	if err := check.Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	if _, err := os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Warnf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshal yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merge configuration to viper")
	}
	return nil
}

func getConfig(configMap map[string]interface{}) (*config.Config, error) {
	config := config.DefaultConfig()
	bs, err := json.Marshal(configMap)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, &config, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}

	if err := config.Resolve(); err != nil {
		return nil, err
	}
	return config, nil
}
