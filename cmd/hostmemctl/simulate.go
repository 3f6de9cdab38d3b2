package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/completion"
	"github.com/vkngwrapper/hostmem/hostptr"
	"github.com/vkngwrapper/hostmem/memutils"
)

type simulateOptions struct {
	scenarioPath string
	statsJSON    bool
	detailed     bool
	metrics      bool
}

var simulateFlags simulateOptions

// destroyTimeout bounds how long a finished simulation waits for engines that still have work
// outstanding
const destroyTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(newSimulateCmd())
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate -f <scenario.yaml>",
		Short: "Replay a scenario of acquires, submissions and releases against simulated engines",
		Long: `The simulate command loads a YAML scenario and replays its steps against a manager
whose engines are simulated completion counters. Fragments are never really mapped, so
scenarios may use any addresses.

Example:
  hostmemctl simulate -f scenario.yaml
  hostmemctl simulate -f scenario.yaml --stats-json --detailed
  hostmemctl simulate -f scenario.yaml --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := loadScenario(simulateFlags.scenarioPath)
			if err != nil {
				return err
			}

			return runSimulate(cmd.Context(), cmd.OutOrStdout(), scenario, simulateFlags)
		},
	}

	cmd.Flags().StringVarP(&simulateFlags.scenarioPath, "file", "f", "", "Scenario file to replay")
	cmd.Flags().BoolVar(&simulateFlags.statsJSON, "stats-json", false, "Print the manager's JSON statistics after the last step")
	cmd.Flags().BoolVar(&simulateFlags.detailed, "detailed", false, "Include fragments and lists in the JSON statistics")
	cmd.Flags().BoolVar(&simulateFlags.metrics, "metrics", false, "Print the manager's prometheus metrics after the last step")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// simulatedEngine is a completion counter that only advances when the scenario says so
type simulatedEngine struct {
	*completion.Tracker
	id              hostptr.EngineID
	completeOnFlush bool
}

func (e *simulatedEngine) Flush(ctx context.Context) error {
	if e.completeOnFlush {
		e.CompleteAll()
	}
	return nil
}

// simulatedMapper hands out sequential device handles without touching the addresses it is given
type simulatedMapper struct {
	mutex      sync.Mutex
	nextHandle int
	live       map[int]uintptr
}

func (m *simulatedMapper) MapForDevice(address, size uintptr) (any, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.nextHandle++
	m.live[m.nextHandle] = address
	return m.nextHandle, nil
}

func (m *simulatedMapper) UnmapForDevice(handle any) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id, ok := handle.(int)
	if !ok {
		return errors.Newf("unexpected device handle of type %T", handle)
	}
	if _, ok := m.live[id]; !ok {
		return errors.Newf("device handle %d is not mapped", id)
	}
	delete(m.live, id)
	return nil
}

// simulatedBacking carves host memory allocations out of a fake address range, leaving an
// unmapped page between each
type simulatedBacking struct {
	mutex    sync.Mutex
	next     uintptr
	pageSize uintptr
}

func (b *simulatedBacking) Allocate(size uintptr) (uintptr, any, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	address := b.next
	b.next += memutils.AlignUp(size, b.pageSize) + b.pageSize
	return address, nil, nil
}

func (b *simulatedBacking) Free(address, size uintptr, handle any) error {
	return nil
}

type simulation struct {
	manager     *hostptr.Manager
	mapper      *simulatedMapper
	engines     map[string]*simulatedEngine
	allocations map[string]*hostptr.Allocation
	delayed     sync.WaitGroup
}

func newSimulation(scenario *Scenario) (*simulation, error) {
	timeout, err := scenario.waitTimeout()
	if err != nil {
		return nil, err
	}

	pageSize := uintptr(scenario.PageSize)
	if pageSize == 0 {
		pageSize = hostptr.DefaultPageSize
	}

	mapper := &simulatedMapper{live: make(map[int]uintptr)}
	manager, err := hostptr.New(logger, mapper, hostptr.CreateOptions{
		PageSize:            pageSize,
		ConflictWaitTimeout: timeout,
		MaxReusableBytes:    scenario.MaxReusableBytes,
		Backing:             &simulatedBacking{next: 0x7f0000000000, pageSize: pageSize},
		MapCallbacks: &hostptr.MapCallbackOptions{
			Map: func(manager *hostptr.Manager, address, size uintptr, deviceHandle any, userData any) {
				logger.Info("mapped", slog.String("Address", fmt.Sprintf("%#x", address)), slog.Uint64("Size", uint64(size)))
			},
			Unmap: func(manager *hostptr.Manager, address, size uintptr, deviceHandle any, userData any) {
				logger.Info("unmapped", slog.String("Address", fmt.Sprintf("%#x", address)), slog.Uint64("Size", uint64(size)))
			},
		},
	})
	if err != nil {
		return nil, err
	}

	sim := &simulation{
		manager:     manager,
		mapper:      mapper,
		engines:     make(map[string]*simulatedEngine),
		allocations: make(map[string]*hostptr.Allocation),
	}

	for _, config := range scenario.Engines {
		engine := &simulatedEngine{
			Tracker:         completion.NewTracker(config.Name),
			completeOnFlush: config.CompleteOnFlush,
		}
		engine.id = manager.RegisterEngine(engine)
		sim.engines[config.Name] = engine
	}

	return sim, nil
}

func (s *simulation) engine(step Step) (*simulatedEngine, error) {
	engine, ok := s.engines[step.Engine]
	if !ok {
		return nil, errors.Newf("unknown engine %q", step.Engine)
	}
	return engine, nil
}

func (s *simulation) allocation(step Step) (*hostptr.Allocation, error) {
	alloc, ok := s.allocations[step.Name]
	if !ok {
		return nil, errors.Newf("unknown allocation %q", step.Name)
	}
	return alloc, nil
}

func (s *simulation) remember(step Step, alloc *hostptr.Allocation) error {
	if step.Name == "" {
		return errors.Newf("%s steps must name the allocation", step.Op)
	}
	if _, ok := s.allocations[step.Name]; ok {
		return errors.Newf("allocation %q already exists", step.Name)
	}

	alloc.SetName(step.Name)
	s.allocations[step.Name] = alloc
	return nil
}

func describeFragments(alloc *hostptr.Allocation) string {
	var ranges []string
	for i, position := range alloc.FragmentPositions() {
		address, size := alloc.FragmentRange(i)
		ranges = append(ranges, fmt.Sprintf("%s %#x+%#x", position, address, size))
	}
	return strings.Join(ranges, ", ")
}

// step runs one scenario step and returns a short description of its result
func (s *simulation) step(ctx context.Context, step Step) (string, error) {
	switch step.Op {
	case opAcquire:
		ptr, err := parseAddress(step.Ptr, "ptr")
		if err != nil {
			return "", err
		}
		size, err := parseAddress(step.Size, "size")
		if err != nil {
			return "", err
		}

		alloc, err := s.manager.Acquire(ctx, ptr, size)
		if err != nil {
			return "", err
		}
		return describeFragments(alloc), s.remember(step, alloc)

	case opAllocateHostMemory:
		size, err := parseAddress(step.Size, "size")
		if err != nil {
			return "", err
		}

		alloc, err := s.manager.AllocateHostMemory(size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%#x+%#x", alloc.Address(), alloc.Size()), s.remember(step, alloc)

	case opAcquireReusable:
		size, err := parseAddress(step.Size, "size")
		if err != nil {
			return "", err
		}

		alloc, ok := s.manager.AcquireReusable(size)
		if !ok {
			return "none available", nil
		}
		return fmt.Sprintf("reused %#x+%#x", alloc.Address(), alloc.Size()), s.remember(step, alloc)

	case opSubmit:
		alloc, err := s.allocation(step)
		if err != nil {
			return "", err
		}
		engine, err := s.engine(step)
		if err != nil {
			return "", err
		}

		value := engine.Submit()
		err = alloc.MarkUsed(engine.id, value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s value %d", engine.Name(), value), nil

	case opRelease:
		alloc, err := s.allocation(step)
		if err != nil {
			return "", err
		}

		if alloc.Released() {
			return "", errors.Newf("allocation %q was already released", step.Name)
		}

		if step.Timeout != "" {
			timeout, err := time.ParseDuration(step.Timeout)
			if err != nil {
				return "", errors.Wrapf(err, "invalid timeout %q", step.Timeout)
			}

			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err = alloc.Release(ctx, step.Async)
		if err != nil {
			return "", err
		}
		delete(s.allocations, step.Name)
		if step.Async {
			return "released asynchronously", nil
		}
		return "released", nil

	case opStoreForReuse:
		alloc, err := s.allocation(step)
		if err != nil {
			return "", err
		}

		err = s.manager.StoreForReuse(alloc)
		if err != nil {
			return "", err
		}
		delete(s.allocations, step.Name)
		return "stored", nil

	case opComplete:
		engine, err := s.engine(step)
		if err != nil {
			return "", err
		}

		engine.CompleteAll()
		return fmt.Sprintf("%s completed through %d", engine.Name(), engine.CurrentCompletionValue()), nil

	case opCompleteAfter:
		engine, err := s.engine(step)
		if err != nil {
			return "", err
		}
		delay, err := time.ParseDuration(step.Delay)
		if err != nil {
			return "", errors.Wrapf(err, "invalid delay %q", step.Delay)
		}

		target := engine.LatestSubmitted()
		s.delayed.Add(1)
		go func() {
			defer s.delayed.Done()
			time.Sleep(delay)
			engine.Complete(target)
		}()
		return fmt.Sprintf("%s completes %d after %s", engine.Name(), target, delay), nil

	case opClean:
		return "cleaned", s.manager.CleanTemporaryAllocations()

	case opValidate:
		return "valid", s.manager.Validate()
	}

	return "", errors.Newf("unknown op %q", step.Op)
}

func runSimulate(ctx context.Context, out io.Writer, scenario *Scenario, options simulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sim, err := newSimulation(scenario)
	if err != nil {
		return err
	}
	defer sim.delayed.Wait()

	table := tablewriter.NewTable(out, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.Off}},
	})))
	table.Header([]string{"#", "OP", "NAME", "RESULT"})

	var stepErr error
	for i, step := range scenario.Steps {
		name := step.Name
		if name == "" {
			name = step.Engine
		}

		result, err := sim.step(ctx, step)
		switch {
		case err != nil && step.ExpectError:
			result = "failed as expected: " + err.Error()
		case err != nil:
			result = "FAILED: " + err.Error()
			stepErr = errors.Wrapf(err, "step %d (%s) failed", i+1, step.Op)
		case step.ExpectError:
			result = "UNEXPECTED SUCCESS: " + result
			stepErr = errors.Newf("step %d (%s) was expected to fail", i+1, step.Op)
		}

		appendErr := table.Append([]string{fmt.Sprintf("%d", i+1), step.Op, name, result})
		if appendErr != nil {
			return appendErr
		}
		if stepErr != nil {
			break
		}
	}

	err = table.Render()
	if err != nil {
		return err
	}
	if stepErr != nil {
		return stepErr
	}

	if options.statsJSON {
		fmt.Fprintln(out, sim.manager.BuildStatsString(options.detailed))
	}

	if options.metrics {
		err = writeMetrics(out, sim.manager)
		if err != nil {
			return err
		}
	}

	destroyCtx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	err = sim.manager.Destroy(destroyCtx)
	if err != nil {
		return err
	}
	if len(sim.mapper.live) > 0 {
		return errors.Newf("%d device mappings are still live after the manager was destroyed", len(sim.mapper.live))
	}
	return nil
}

func writeMetrics(out io.Writer, manager *hostptr.Manager) error {
	registry := prometheus.NewRegistry()
	err := registry.Register(hostptr.NewCollector(manager, "hostmem"))
	if err != nil {
		return errors.Wrap(err, "failed to register collector")
	}

	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}

	for _, family := range families {
		_, err = expfmt.MetricFamilyToText(out, family)
		if err != nil {
			return errors.Wrapf(err, "failed to write metric %s", family.GetName())
		}
	}

	return nil
}
