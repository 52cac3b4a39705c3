// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// prefetch_bench drives a data manager with one goroutine per replica, the way a multi-device
// training loop would, and synchronizes fake gradients across the devices after every step.
//
// It reads records from a DirDB (-db), or from a synthetic in-memory store, and reports the
// throughput, how long the replicas waited for data, and the gradient traffic per stream.
//
// Example:
//
//	prefetch_bench -steps=200 -set="batch_size=64;num_replicas=2;parallelism=4;crop_size=24"
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gomlx/replicafeed/pkg/broadcast"
	"github.com/gomlx/replicafeed/pkg/data/config"
	"github.com/gomlx/replicafeed/pkg/data/manager"
	"github.com/gomlx/replicafeed/pkg/data/records"
	"github.com/gomlx/replicafeed/pkg/devices"
	"github.com/gomlx/replicafeed/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagSettings = flag.String("set", "", "Settings of the data layer, a \";\" separated list of "+
		"\"[scope/]param=value\", or \"file:<path>\" to read the settings from a file. Use -params to list them.")
	flagScope  = flag.String("scope", "/train_data", "Scope of the data layer in the settings.")
	flagParams = flag.Bool("params", false, "List the data layer parameters and exit.")

	flagDB       = flag.String("db", "", "Directory of a DirDB with the records. If empty a synthetic in-memory store is used.")
	flagGenerate = flag.Bool("generate", false, "Generate synthetic records into the -db directory before running.")

	flagNumRecords = flag.Int("records", 512, "Number of synthetic records.")
	flagChannels   = flag.Int("synthetic_channels", 3, "Channels of the synthetic records.")
	flagHeight     = flag.Int("synthetic_height", 32, "Height of the synthetic records. With variable_size it's the maximum height.")
	flagWidth      = flag.Int("synthetic_width", 32, "Width of the synthetic records. With variable_size it's the maximum width.")

	flagSteps   = flag.Int("steps", 100, "Number of steps: each step every replica forwards one batch.")
	flagCompute = flag.Duration("compute", 0, "Simulated compute time of each replica per step.")

	flagDevices     = flag.Int("devices", 0, "Number of simulated devices, defaults to num_replicas.")
	flagNoP2P       = flag.Bool("no_p2p", false, "Disable peer access between the simulated devices.")
	flagHostStaging = flag.Bool("host_staging", false, "Enable host staging of gradients for topologies without direct transfer.")
	flagHalf        = flag.Bool("half", false, "Stage gradients in half precision (with -host_staging).")
	flagGradSize    = flag.Int("grad_size", 1<<16, "Number of gradient values synchronized per step.")
)

// replicaManager is implemented by both managers.
type replicaManager interface {
	manager.Manager
	NewReplicaTop() []*tensors.Tensor
	NumBatches() int
	Epochs() int
	LastPrefetchDuration() time.Duration
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %v. See 'prefetch_bench -help'.", flag.Args())
		os.Exit(1)
	}

	p := config.NewParams()
	paramsSet := must.M1(config.ParseSettings(p, *flagSettings))
	if *flagParams {
		fmt.Println(paramsTable(p, paramsSet))
		return
	}
	cfg := must.M1(config.FromParams(p, *flagScope))

	db := openDB(cfg)
	defer func() { must.M(db.Close()) }()
	m := newManager(cfg, db)
	defer func() { must.M(m.Close()) }()

	numDevices := max(*flagDevices, cfg.NumReplicas)
	topology := devices.NewHostTopology(numDevices)
	if *flagNoP2P {
		for a := range numDevices {
			for b := a + 1; b < numDevices; b++ {
				must.M(topology.DisablePeerAccess(a, b))
			}
		}
	}
	broadcaster := broadcast.New(topology)
	if *flagHostStaging {
		broadcaster.WithHostStaging(*flagHalf)
	}
	deviceIDs := make([]int, cfg.NumReplicas)
	for ii := range deviceIDs {
		deviceIDs[ii] = ii
	}
	must.M(broadcaster.Init(deviceIDs))

	stats := run(m, broadcaster, *flagSteps)
	fmt.Println(summaryTable(cfg, m, stats))
	if broadcaster.Streams().TotalBytes() > 0 {
		fmt.Println(streamsTable(broadcaster.Streams()))
	}
}

// openDB opens (and optionally generates) the DirDB, or creates a synthetic MemDB.
func openDB(cfg config.LayerConfig) records.DB {
	if *flagDB == "" {
		db := records.NewMemDB()
		must.M(generate(db, cfg.VariableSize))
		return db
	}
	db := must.M1(records.OpenDirDB(*flagDB, *flagGenerate))
	if *flagGenerate {
		must.M(generate(db, cfg.VariableSize))
	}
	return db
}

func newManager(cfg config.LayerConfig, db records.DB) replicaManager {
	if cfg.VariableSize {
		return must.M1(manager.NewVariableSizeManager(cfg, db, nil))
	}
	return must.M1(manager.NewFixedSizeManager(cfg, db, nil))
}

// runStats holds the measurements of a run.
type runStats struct {
	steps         int
	elapsed       time.Duration
	forwardWait   time.Duration // Summed over replicas.
	broadcastTime time.Duration
	broadcastSkip bool
}

func run(m replicaManager, broadcaster *broadcast.StreamBroadcast, steps int) (stats runStats) {
	numReplicas := m.NumReplicas()
	tops := make([][]*tensors.Tensor, numReplicas)
	diffs := make(map[int]*tensors.Tensor, numReplicas)
	for replica := range numReplicas {
		tops[replica] = m.NewReplicaTop()
		diffs[replica] = tensors.New(*flagGradSize).OnDevice(replica)
	}

	term := termenv.NewOutput(os.Stdout)
	showBar := term.Profile != termenv.Ascii
	if showBar {
		term.HideCursor()
		defer term.ShowCursor()
	}
	bar := progressbar.NewOptions(steps,
		progressbar.OptionSetVisibility(showBar),
		progressbar.OptionSetDescription(fmt.Sprintf("%s: ", m.Name())),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())

	start := time.Now()
	waits := make([]time.Duration, numReplicas)
	errs := make([]error, numReplicas)
	for step := range steps {
		var wg sync.WaitGroup
		for replica := range numReplicas {
			wg.Add(1)
			go func() {
				defer wg.Done()
				forwardStart := time.Now()
				errs[replica] = m.Forward(replica, tops[replica])
				waits[replica] += time.Since(forwardStart)
				if *flagCompute > 0 {
					time.Sleep(*flagCompute)
				}
				fakeGradients(diffs[replica], tops[replica][0], step)
			}()
		}
		wg.Wait()
		for replica, err := range errs {
			must.M(errors.WithMessagef(err, "step %d, replica %d", step, replica))
		}

		if !stats.broadcastSkip {
			broadcastStart := time.Now()
			err := broadcaster.TransferGPUDiff(diffs, 0, 1, 1)
			if errors.Is(err, broadcast.ErrNotImplemented) {
				klog.Warningf("Gradients not synchronized: %v", err)
				stats.broadcastSkip = true
			} else {
				must.M(err)
			}
			stats.broadcastTime += time.Since(broadcastStart)
		}
		must.M(bar.Add(1))
	}
	must.M(bar.Finish())
	stats.steps = steps
	stats.elapsed = time.Since(start)
	for _, wait := range waits {
		stats.forwardWait += wait
	}
	return
}

// fakeGradients fills the gradients with values derived from the replica's input.
func fakeGradients(diff, input *tensors.Tensor, step int) {
	values := input.Data()
	if len(values) == 0 {
		return
	}
	g := diff.Diff()
	for ii := range g {
		g[ii] = values[ii%len(values)] * 1e-3 / float32(step+1)
	}
}
