package main

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"sigs.k8s.io/yaml"
)

// Scenario is a replayable sequence of manager operations against simulated engines
type Scenario struct {
	PageSize            uint64         `json:"pageSize,omitempty"`
	ConflictWaitTimeout string         `json:"conflictWaitTimeout,omitempty"`
	MaxReusableBytes    int            `json:"maxReusableBytes,omitempty"`
	Engines             []EngineConfig `json:"engines"`
	Steps               []Step         `json:"steps"`
}

// EngineConfig describes a simulated engine. An engine that completes on flush finishes all of
// its submitted work as soon as the manager needs to wait on it.
type EngineConfig struct {
	Name            string `json:"name"`
	CompleteOnFlush bool   `json:"completeOnFlush,omitempty"`
}

// Step is a single operation. Which fields are read depends on Op.
type Step struct {
	Op          string `json:"op"`
	Name        string `json:"name,omitempty"`
	Ptr         string `json:"ptr,omitempty"`
	Size        string `json:"size,omitempty"`
	Engine      string `json:"engine,omitempty"`
	Async       bool   `json:"async,omitempty"`
	Delay       string `json:"delay,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	ExpectError bool   `json:"expectError,omitempty"`
}

const (
	opAcquire            = "acquire"
	opSubmit             = "submit"
	opRelease            = "release"
	opComplete           = "complete"
	opCompleteAfter      = "completeAfter"
	opAllocateHostMemory = "allocateHostMemory"
	opStoreForReuse      = "storeForReuse"
	opAcquireReusable    = "acquireReusable"
	opClean              = "clean"
	opValidate           = "validate"
)

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scenario %s", path)
	}

	return parseScenario(data)
}

func parseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	err := yaml.UnmarshalStrict(data, &scenario)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse scenario")
	}

	if len(scenario.Engines) == 0 {
		return nil, errors.New("scenario must declare at least one engine")
	}

	seen := make(map[string]bool)
	for _, engine := range scenario.Engines {
		if engine.Name == "" {
			return nil, errors.New("scenario engines must be named")
		}
		if seen[engine.Name] {
			return nil, errors.Newf("engine %q is declared twice", engine.Name)
		}
		seen[engine.Name] = true
	}

	_, err = scenario.waitTimeout()
	if err != nil {
		return nil, err
	}

	return &scenario, nil
}

func (s *Scenario) waitTimeout() (time.Duration, error) {
	if s.ConflictWaitTimeout == "" {
		return 0, nil
	}

	timeout, err := time.ParseDuration(s.ConflictWaitTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid conflictWaitTimeout %q", s.ConflictWaitTimeout)
	}
	return timeout, nil
}
