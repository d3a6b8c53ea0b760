// Package kdiag builds pprof-compatible snapshots of scheduler state for
// offline analysis with `go tool pprof`, grounded on the teacher's direct
// github.com/google/pprof dependency. No syscall handler uses it;
// cmd/vellum logs its Summary after boot.
package kdiag

import (
	"fmt"
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/vellum-os/vellum/sched"
)

// Sample value types reported per CPU, in Value-slice order.
var schedulerSampleTypes = []*profile.ValueType{
	{Type: "switches", Unit: "count"},
	{Type: "preemptions", Unit: "count"},
	{Type: "ticks", Unit: "count"},
	{Type: "idle_ticks", Unit: "count"},
}

// SchedulerProfile snapshots every CPU in 0..numCPUs-1's switch,
// preemption, tick, and idle-tick counters into one pprof Profile, one
// Sample per CPU, labeled by cpu id so `go tool pprof -tags` can slice
// by core.
func SchedulerProfile(s *sched.Scheduler, numCPUs int) *profile.Profile {
	p := &profile.Profile{
		SampleType: schedulerSampleTypes,
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "core"},
		Period:     1,
	}

	fn := &profile.Function{ID: 1, Name: "scheduler_tick", SystemName: "scheduler_tick"}
	p.Function = []*profile.Function{fn}

	for cpuID := 0; cpuID < numCPUs; cpuID++ {
		cpu := s.CPU(cpuID)
		if cpu == nil {
			continue
		}
		switches, preemptions, ticks, idleTicks := cpu.Stats()

		locID := uint64(cpuID + 1)
		loc := &profile.Location{
			ID:   locID,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(switches), int64(preemptions), int64(ticks), int64(idleTicks)},
			Label:    map[string][]string{"cpu": {strconv.Itoa(cpuID)}},
		})
	}
	return p
}

// Summary renders a one-line human-readable digest of a scheduler
// profile, for the ambient log line cmd/vellum emits after Boot.
func Summary(p *profile.Profile) string {
	return fmt.Sprintf("scheduler profile: %d CPU samples, %d sample types", len(p.Sample), len(p.SampleType))
}
