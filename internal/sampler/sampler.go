// Package sampler polls a running child process for resource usage on a
// dedicated goroutine and folds the samples into an aggregate metric set
// when stopped.
package sampler

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultInterval is the poll period. Sampling never writes to disk; the
// aggregate is folded in memory when Stop is called.
const DefaultInterval = 100 * time.Millisecond

// Snapshot is one observation of the child process.
type Snapshot struct {
	Timestamp              time.Time
	CPUPercent             float64
	RSSMB                  float64
	NumThreads             int32
	NumFDs                 int32
	CtxSwitchesVoluntary   int64
	CtxSwitchesInvoluntary int64
	ReadBytes              uint64
	WriteBytes             uint64
	CPUUserSeconds         float64
	CPUSystemSeconds       float64
}

// Aggregate is the folded result of a sampling session. All fields are zero
// when the process died before the first sample landed.
type Aggregate struct {
	Samples                int
	CPUMax                 float64
	CPUAvg                 float64
	CPUMin                 float64
	MemoryMaxMB            float64
	MemoryAvgMB            float64
	MemoryMinMB            float64
	NumThreadsMax          int32
	NumFDsMax              int32
	CtxSwitchesVoluntary   int64
	CtxSwitchesInvoluntary int64
	ReadBytes              uint64
	WriteBytes             uint64
	CPUUserSeconds         float64
	CPUSystemSeconds       float64
}

// Metrics flattens the aggregate into the fixed metric vocabulary.
func (a Aggregate) Metrics() map[string]float64 {
	return map[string]float64{
		"cpu_max":                      a.CPUMax,
		"cpu_avg":                      a.CPUAvg,
		"cpu_min":                      a.CPUMin,
		"memory_max_mb":                a.MemoryMaxMB,
		"memory_avg_mb":                a.MemoryAvgMB,
		"memory_min_mb":                a.MemoryMinMB,
		"num_threads_max":              float64(a.NumThreadsMax),
		"num_fds_max":                  float64(a.NumFDsMax),
		"context_switches_voluntary":   float64(a.CtxSwitchesVoluntary),
		"context_switches_involuntary": float64(a.CtxSwitchesInvoluntary),
		"read_bytes":                   float64(a.ReadBytes),
		"write_bytes":                  float64(a.WriteBytes),
		"cpu_user_seconds":             a.CPUUserSeconds,
		"cpu_system_seconds":           a.CPUSystemSeconds,
	}
}

// Sampler owns the background polling goroutine for one child process.
type Sampler struct {
	interval time.Duration
	proc     *process.Process
	stop     chan struct{}
	done     chan struct{}
	samples  []Snapshot
}

// Start begins sampling pid at the given interval (DefaultInterval when <= 0).
// A nil process handle error is tolerated; the session then aggregates to
// zeros, matching a child that exited immediately.
func Start(pid int32, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	proc, err := process.NewProcess(pid)
	if err == nil {
		s.proc = proc
		// Prime the CPU delta so the first Percent call is meaningful.
		_, _ = proc.Percent(0)
	}
	go s.loop()
	return s
}

func (s *Sampler) loop() {
	defer close(s.done)
	if s.proc == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			snap, ok := s.sample()
			if !ok {
				// Missing process or permission denied: clean termination,
				// keep what was gathered.
				return
			}
			s.samples = append(s.samples, snap)
		}
	}
}

// sample takes one observation. A failed core read (CPU or memory) means the
// process is gone; auxiliary fields fall back to zero individually.
func (s *Sampler) sample() (Snapshot, bool) {
	snap := Snapshot{Timestamp: time.Now()}

	cpu, err := s.proc.Percent(0)
	if err != nil {
		return snap, false
	}
	snap.CPUPercent = cpu

	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return snap, false
	}
	snap.RSSMB = float64(mem.RSS) / (1024 * 1024)

	if n, err := s.proc.NumThreads(); err == nil {
		snap.NumThreads = n
	}
	if n, err := s.proc.NumFDs(); err == nil {
		snap.NumFDs = n
	}
	if cs, err := s.proc.NumCtxSwitches(); err == nil {
		snap.CtxSwitchesVoluntary = cs.Voluntary
		snap.CtxSwitchesInvoluntary = cs.Involuntary
	}
	if io, err := s.proc.IOCounters(); err == nil {
		snap.ReadBytes = io.ReadBytes
		snap.WriteBytes = io.WriteBytes
	}
	if t, err := s.proc.Times(); err == nil {
		snap.CPUUserSeconds = t.User
		snap.CPUSystemSeconds = t.System
	}
	return snap, true
}

// Stop ends the sampling session and returns the folded aggregate.
func (s *Sampler) Stop() Aggregate {
	select {
	case <-s.done:
	default:
		close(s.stop)
		<-s.done
	}
	return fold(s.samples)
}

func fold(samples []Snapshot) Aggregate {
	var agg Aggregate
	if len(samples) == 0 {
		return agg
	}
	agg.Samples = len(samples)
	agg.CPUMin = samples[0].CPUPercent
	agg.MemoryMinMB = samples[0].RSSMB
	var cpuSum, memSum float64
	for _, sn := range samples {
		cpuSum += sn.CPUPercent
		memSum += sn.RSSMB
		if sn.CPUPercent > agg.CPUMax {
			agg.CPUMax = sn.CPUPercent
		}
		if sn.CPUPercent < agg.CPUMin {
			agg.CPUMin = sn.CPUPercent
		}
		if sn.RSSMB > agg.MemoryMaxMB {
			agg.MemoryMaxMB = sn.RSSMB
		}
		if sn.RSSMB < agg.MemoryMinMB {
			agg.MemoryMinMB = sn.RSSMB
		}
		if sn.NumThreads > agg.NumThreadsMax {
			agg.NumThreadsMax = sn.NumThreads
		}
		if sn.NumFDs > agg.NumFDsMax {
			agg.NumFDsMax = sn.NumFDs
		}
	}
	agg.CPUAvg = cpuSum / float64(len(samples))
	agg.MemoryAvgMB = memSum / float64(len(samples))
	// Monotonic counters: the last sample carries the totals.
	last := samples[len(samples)-1]
	agg.CtxSwitchesVoluntary = last.CtxSwitchesVoluntary
	agg.CtxSwitchesInvoluntary = last.CtxSwitchesInvoluntary
	agg.ReadBytes = last.ReadBytes
	agg.WriteBytes = last.WriteBytes
	agg.CPUUserSeconds = last.CPUUserSeconds
	agg.CPUSystemSeconds = last.CPUSystemSeconds
	return agg
}
