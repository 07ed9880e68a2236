package main

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/pkg/model"
)

// trialEntry is one entry of the trials file.
type trialEntry struct {
	SequenceID      *int                   `json:"sequence_id"`
	HyperParameters map[string]interface{} `json:"hyperparameters"`
}

type trialsFileContent struct {
	Trials []trialEntry `json:"trials"`
}

type submitter interface {
	Submit(form model.TrialForm) (model.Trial, error)
}

type trialLister interface {
	ListTrials() []model.Trial
}

func readTrials(path string) ([]model.TrialForm, error) {
	bs, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading trials file")
	}
	var content trialsFileContent
	if err := yaml.Unmarshal(bs, &content, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "error parsing trials file")
	}

	forms := make([]model.TrialForm, 0, len(content.Trials))
	for i, entry := range content.Trials {
		seq := i
		if entry.SequenceID != nil {
			seq = *entry.SequenceID
		}
		params, err := json.Marshal(entry.HyperParameters)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding hyperparameters of trial %d", seq)
		}
		forms = append(forms, model.TrialForm{
			SequenceID:      seq,
			HyperParameters: model.HyperParameters{Value: string(params), Index: seq},
		})
	}
	return forms, nil
}

func submitTrials(s submitter, path string) error {
	forms, err := readTrials(path)
	if err != nil {
		return err
	}
	for _, form := range forms {
		if _, err := s.Submit(form); err != nil {
			return errors.Wrapf(err, "submitting trial %d", form.SequenceID)
		}
	}
	log.Infof("submitted %d trials from %s", len(forms), path)
	return nil
}

// waitForTrials returns once every trial is terminal or ctx is done.
func waitForTrials(
	ctx context.Context, l trialLister, clock clockwork.Clock, interval time.Duration,
) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		trials := l.ListTrials()
		counts := map[model.TrialStatus]int{}
		done := true
		for _, t := range trials {
			counts[t.Status]++
			if !t.Status.IsTerminal() {
				done = false
			}
		}
		if done {
			log.WithField("statuses", counts).Infof("all %d trials finished", len(trials))
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// detectManagerIP returns the first non-loopback IPv4 address of the host.
func detectManagerIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", errors.Wrap(err, "listing interface addresses")
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address found; set manager_ip")
}
