package workload

import (
	"context"
	"strconv"

	"github.com/joeycumines/go-kthread"
)

type (
	// Report is the outcome of running a workload. Events are in execution
	// order, which is deterministic, unless the kernel has a tick interval.
	Report struct {
		Events []Event       `toml:"event"`
		Stats  kthread.Stats `toml:"stats"`
	}

	// Event is a record of a step, as executed by a thread.
	Event struct {
		Thread string      `toml:"thread"`
		Op     string      `toml:"op"`
		Detail string      `toml:"detail,omitempty"`
		Tick   int64       `toml:"tick"`
		Value  int         `toml:"value"`
		Tid    kthread.Tid `toml:"tid"`
	}

	runner struct {
		k      *kthread.Kernel
		w      *Workload
		report *Report
	}

	// userProcess is attached by OpUser, so ticks are accounted as user
	// time.
	userProcess struct {
		r      *runner
		thread string
		tid    kthread.Tid
		active int
	}
)

// Run runs w on k, which must not have been started, returning the report,
// and the result of kthread.Kernel.Run. The report is valid even if Run
// fails.
func Run(ctx context.Context, k *kthread.Kernel, w *Workload) (*Report, error) {
	r := runner{k: k, w: w, report: new(Report)}
	err := k.Run(ctx, r.run, w.programs[w.Entry])
	r.report.Stats = k.Stats()
	return r.report, err
}

func (x *runner) record(op string, value int, detail string) {
	t := x.k.Current()
	x.report.Events = append(x.report.Events, Event{
		Thread: t.Name(),
		Op:     op,
		Detail: detail,
		Tick:   x.k.Stats().Ticks,
		Value:  value,
		Tid:    t.Tid(),
	})
}

func (x *runner) run(arg any) {
	p := arg.(*Program)
	labels := make(map[string]kthread.Tid)

	x.record(`start`, 0, p.Name)

	for _, s := range p.Steps {
		switch s.Op {
		case OpCompute:
			for range s.N {
				x.k.RaiseTimer()
				x.k.Checkpoint()
			}
			x.record(s.Op, s.N, ``)

		case OpYield:
			x.k.Yield()
			x.record(s.Op, 0, ``)

		case OpSpawn:
			priority := kthread.PriDefault
			if s.Priority != nil {
				priority = *s.Priority
			}
			tid, err := x.k.Create(s.Program, priority, x.run, x.w.programs[s.Program])
			if err != nil {
				x.record(s.Op, int(tid), err.Error())
				continue
			}
			if s.As != `` {
				labels[s.As] = tid
			}
			x.record(s.Op, int(tid), s.Program)

		case OpWait:
			tid, ok := labels[s.Child]
			if !ok {
				tid = kthread.TidError
			}
			status, err := x.k.Wait(tid)
			detail := s.Child
			if err != nil {
				detail += `: ` + err.Error()
			}
			x.record(s.Op, status, detail)

		case OpExit:
			x.record(s.Op, s.Status, ``)
			x.k.Exit(s.Status)

		case OpLog:
			x.record(s.Op, 0, s.Message)

		case OpUser:
			t := x.k.Current()
			x.k.AttachProcess(&userProcess{r: x, thread: t.Name(), tid: t.Tid()})
			x.record(s.Op, 0, ``)

		case OpPowerOff:
			x.record(s.Op, 0, ``)
			x.k.PowerOff()
		}
	}

	x.record(`done`, 0, p.Name)
}

func (x *userProcess) Activate() { x.active++ }

// Exit is called by the kernel while the owning thread exits, which may be
// after its stack has been unwound.
func (x *userProcess) Exit(status int) {
	x.r.report.Events = append(x.r.report.Events, Event{
		Thread: x.thread,
		Op:     `process_exit`,
		Detail: `activations=` + strconv.Itoa(x.active),
		Tick:   x.r.k.Stats().Ticks,
		Value:  status,
		Tid:    x.tid,
	})
}
