package event

import (
	"sync"

	"github.com/vmtrace/hvbpf/pkg/attach"
	"github.com/vmtrace/hvbpf/pkg/stats"
)

// FallbackCapacity is the fallback queue's record cap; past this an
// emit discards the oldest queued record to make room for the new one.
const FallbackCapacity = 8192

// RingBuf is the subset of maps.Map the pipeline's best-effort push and
// drain need. A real ring-buffer-kind map satisfies it directly.
type RingBuf interface {
	Push(record []byte) (bool, error)
	Pop() (record []byte, ok bool, err error)
}

// ProgramRunner invokes a loaded program by id against a byte context,
// matching pkg/program.Registry's own Run signature widened to a plain
// uint32 id so this package doesn't need to import pkg/program.
type ProgramRunner interface {
	Run(id uint32, ctx []byte) (uint64, error)
}

// Pipeline is the process-wide event pipeline: Emit is the hot-path
// entry every probe and tracepoint hit calls; Consume drains it.
type Pipeline struct {
	ring        RingBuf
	names       *NameTable
	stats       *stats.Table
	attachments *attach.Registry
	runner      ProgramRunner

	mu       sync.Mutex
	fallback []TraceEvent
}

// NewPipeline wires the pipeline's collaborators: ring is the
// ring-buffer-kind map records are pushed into first; names is the
// table Emit records event-id/name-offset associations into; statsTable
// accumulates per-event-id counters; attachments resolves a trigger
// name to a bound program, which runner then executes.
func NewPipeline(ring RingBuf, names *NameTable, statsTable *stats.Table, attachments *attach.Registry, runner ProgramRunner) *Pipeline {
	return &Pipeline{ring: ring, names: names, stats: statsTable, attachments: attachments, runner: runner}
}

// Names returns the pipeline's name table, so trigger sites (tracepoint,
// host-probe, guest-probe dispatch) can register/resolve names against
// the same table Emit consults.
func (p *Pipeline) Names() *NameTable { return p.names }

// Emit runs the event pipeline: best-effort ring push, falling back to the
// bounded local queue only when the ring is absent or declines the record,
// then name-offset recording, built-in stats update, and
// attachment-triggered program invocation. It never returns an error —
// failure at every step is swallowed, since a trap handler must never fail
// because a record couldn't be delivered. The ring and the fallback queue
// are disjoint stores for a given record, so Consume observes each
// delivered record exactly once.
func (p *Pipeline) Emit(rec TraceEvent) {
	delivered := false
	if p.ring != nil {
		if ok, err := p.ring.Push(rec.Serialize()); err == nil && ok {
			delivered = true
		}
	}
	if !delivered {
		p.mu.Lock()
		if len(p.fallback) >= FallbackCapacity {
			copy(p.fallback, p.fallback[1:])
			p.fallback = p.fallback[:len(p.fallback)-1]
		}
		p.fallback = append(p.fallback, rec)
		p.mu.Unlock()
	}

	p.names.recordForEvent(rec.EventID, rec.NameOffset)

	if p.stats != nil {
		p.stats.Record(rec.EventID, rec.DurationNs)
	}

	if p.attachments == nil || p.runner == nil {
		return
	}
	name, ok := p.names.Get(rec.NameOffset)
	if !ok {
		return
	}
	progID, ok := p.attachments.Get(name)
	if !ok {
		return
	}
	_, _ = p.runner.Run(progID, rec.Serialize())
}

// Consume drains up to max records, first from the ring buffer, then
// from the fallback queue; max = 0 means no explicit limit. Each record
// is observed exactly once across the two sources.
func (p *Pipeline) Consume(max int) []TraceEvent {
	var out []TraceEvent

	if p.ring != nil {
		for max == 0 || len(out) < max {
			raw, ok, err := p.ring.Pop()
			if err != nil || !ok {
				break
			}
			rec, ok := Parse(raw)
			if !ok {
				continue
			}
			out = append(out, rec)
		}
	}

	if max == 0 || len(out) < max {
		p.mu.Lock()
		remaining := len(p.fallback)
		if max != 0 {
			if want := max - len(out); want < remaining {
				remaining = want
			}
		}
		out = append(out, p.fallback[:remaining]...)
		p.fallback = p.fallback[remaining:]
		p.mu.Unlock()
	}

	return out
}
