// Package workload describes simulated programs, in TOML, and runs them as
// threads of a kthread.Kernel.
//
// A workload names an entry program, which runs as the bootstrap thread.
// Each program is a list of steps, executed in order:
//
//	entry = "shell"
//
//	[kernel]
//	time_slice = 4
//	pages = 16
//
//	[[program]]
//	name = "shell"
//	steps = [
//	  { op = "spawn", program = "job", as = "a" },
//	  { op = "wait", child = "a" },
//	]
//
//	[[program]]
//	name = "job"
//	steps = [
//	  { op = "compute", n = 8 },
//	  { op = "exit", status = 3 },
//	]
package workload

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-kthread"
)

// Step operations.
const (
	// OpCompute runs for N timer ticks, raising the timer interrupt, and
	// passing through a preemption point, once per tick.
	OpCompute = `compute`
	// OpYield yields the CPU.
	OpYield = `yield`
	// OpSpawn creates a thread running Program, labelled As.
	OpSpawn = `spawn`
	// OpWait waits for the child labelled Child.
	OpWait = `wait`
	// OpExit exits with Status.
	OpExit = `exit`
	// OpLog records Message, in the report.
	OpLog = `log`
	// OpUser attaches a simulated user process to the thread.
	OpUser = `user`
	// OpPowerOff halts the machine.
	OpPowerOff = `poweroff`
)

const defaultEntry = `main`

type (
	// Workload is a parsed workload file.
	Workload struct {
		Kernel   KernelConfig `toml:"kernel"`
		Entry    string       `toml:"entry"`
		Programs []Program    `toml:"program"`

		programs map[string]*Program
		config   kthread.Config
	}

	// KernelConfig models the [kernel] table, see kthread.Config.
	KernelConfig struct {
		SpawnRates   map[string]int `toml:"spawn_rates"`
		TickInterval string         `toml:"tick_interval"`
		TimeSlice    int            `toml:"time_slice"`
		Pages        int            `toml:"pages"`
		PageSize     int            `toml:"page_size"`
	}

	// Program is a named list of steps.
	Program struct {
		Name  string `toml:"name"`
		Steps []Step `toml:"steps"`
	}

	// Step is a single operation, fields are used depending on Op.
	Step struct {
		Op       string `toml:"op"`
		Program  string `toml:"program"`
		As       string `toml:"as"`
		Child    string `toml:"child"`
		Message  string `toml:"message"`
		N        int    `toml:"n"`
		Status   int    `toml:"status"`
		Priority *int   `toml:"priority"`
	}
)

// Load reads and parses a workload file.
func Load(path string) (*Workload, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf(`workload: %s: %w`, path, err)
	}
	return w, nil
}

// Parse decodes and validates a workload. Unknown keys are rejected.
func Parse(data string) (*Workload, error) {
	var w Workload
	md, err := toml.Decode(data, &w)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf(`unknown keys: %q`, undecoded)
	}
	if err := w.init(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Config returns the kernel configuration described by the workload.
func (x *Workload) Config() *kthread.Config {
	c := x.config
	return &c
}

func (x *Workload) init() error {
	if x.Entry == `` {
		x.Entry = defaultEntry
	}

	x.config = kthread.Config{
		MainName:  x.Entry,
		TimeSlice: x.Kernel.TimeSlice,
		Pages:     x.Kernel.Pages,
		PageSize:  x.Kernel.PageSize,
	}
	if x.Kernel.TimeSlice < 0 {
		return fmt.Errorf(`invalid time_slice: %d`, x.Kernel.TimeSlice)
	}
	if x.Kernel.TickInterval != `` {
		d, err := time.ParseDuration(x.Kernel.TickInterval)
		if err != nil {
			return fmt.Errorf(`invalid tick_interval: %w`, err)
		}
		x.config.TickInterval = d
	}
	if len(x.Kernel.SpawnRates) != 0 {
		x.config.SpawnRates = make(map[time.Duration]int, len(x.Kernel.SpawnRates))
		for k, v := range x.Kernel.SpawnRates {
			d, err := time.ParseDuration(k)
			if err != nil {
				return fmt.Errorf(`invalid spawn_rates: %w`, err)
			}
			if d <= 0 || v <= 0 {
				return fmt.Errorf(`invalid spawn_rates: %s = %d`, k, v)
			}
			x.config.SpawnRates[d] = v
		}
	}

	x.programs = make(map[string]*Program, len(x.Programs))
	for i := range x.Programs {
		p := &x.Programs[i]
		if p.Name == `` {
			return fmt.Errorf(`program %d: missing name`, i)
		}
		if _, ok := x.programs[p.Name]; ok {
			return fmt.Errorf(`program %q: duplicate name`, p.Name)
		}
		x.programs[p.Name] = p
	}

	if _, ok := x.programs[x.Entry]; !ok {
		return fmt.Errorf(`entry program %q not found`, x.Entry)
	}

	for _, p := range x.Programs {
		for i, s := range p.Steps {
			if err := x.validate(s); err != nil {
				return fmt.Errorf(`program %q: step %d: %w`, p.Name, i, err)
			}
		}
	}

	return nil
}

func (x *Workload) validate(s Step) error {
	switch s.Op {
	case OpCompute:
		if s.N < 0 {
			return fmt.Errorf(`invalid n: %d`, s.N)
		}
	case OpSpawn:
		if _, ok := x.programs[s.Program]; !ok {
			return fmt.Errorf(`program %q not found`, s.Program)
		}
		if s.Priority != nil && (*s.Priority < kthread.PriMin || *s.Priority > kthread.PriMax) {
			return fmt.Errorf(`invalid priority: %d`, *s.Priority)
		}
	case OpWait:
		if s.Child == `` {
			return fmt.Errorf(`missing child`)
		}
	case OpYield, OpExit, OpLog, OpUser, OpPowerOff:
	default:
		return fmt.Errorf(`unknown op %q`, s.Op)
	}
	return nil
}
