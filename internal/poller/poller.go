// Package poller drives an asynchronous external job to a terminal result.
//
// Lifecycle of one Poll:
//
//	warm-up sleep → check → (running: sleep interval → check)* →
//	completed | failed | nsfw_blocked | pending (deadline)
//
// The first candidate status URL that answers HTTP 200 is adopted for the
// rest of the job; the others are never probed again.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/metrics"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// Config holds polling timings.
type Config struct {
	WarmUp   time.Duration
	Interval time.Duration
	Deadline time.Duration
	// LogEvery throttles per-attempt log lines: the first attempt and every
	// LogEvery-th attempt are logged. Terminal transitions always are.
	LogEvery int
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		WarmUp:   1500 * time.Millisecond,
		Interval: 2500 * time.Millisecond,
		Deadline: 300 * time.Second,
		LogEvery: 5,
	}
}

// Validate checks the timings are usable.
func (c Config) Validate() error {
	if c.WarmUp < 0 {
		return fmt.Errorf("poll warm-up cannot be negative, got %v", c.WarmUp)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.Interval)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("poll deadline must be positive, got %v", c.Deadline)
	}
	return nil
}

// Poller turns job handles into terminal outcomes.
type Poller struct {
	cfg     Config
	metrics *metrics.Registry
}

// New creates a poller. m may be nil.
func New(cfg Config, m *metrics.Registry) *Poller {
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 1
	}
	return &Poller{cfg: cfg, metrics: m}
}

// Outcome is the terminal state of one job. Exactly one of Output (success),
// Pending, or a fatal Kind is meaningful.
type Outcome struct {
	Job     workflow.Job
	Output  *workflow.Output
	Pending bool
	Kind    workflow.ErrorKind
	Message string
	Detail  map[string]any
}

// Success reports whether the job completed with a result.
func (o Outcome) Success() bool { return o.Output != nil && o.Kind == "" }

// Apply copies the outcome onto a node result.
func (o Outcome) Apply(r *workflow.NodeResult) {
	r.ExternalID = o.Job.ExternalID
	switch {
	case o.Success():
		r.Success = true
		r.Output = o.Output
	case o.Pending:
		r.Pending = true
		r.ErrorKind = workflow.ErrKindPending
		r.Error = o.Message
	default:
		r.ErrorKind = o.Kind
		r.Error = o.Message
	}
	if len(o.Detail) > 0 {
		r.ErrorDetail = o.Detail
	}
}

// tracker is the per-job mutable state; only the poller touches it.
type tracker struct {
	handle  *backend.JobHandle
	job     workflow.Job
	adopted string
}

// Poll drives h until a terminal status or the deadline. It never returns
// an error: every ending is expressed as an Outcome.
func (p *Poller) Poll(ctx context.Context, h *backend.JobHandle) Outcome {
	t := &tracker{
		handle: h,
		job: workflow.Job{
			ExternalID: h.ExternalID,
			CreatedAt:  time.Now(),
			Status:     workflow.JobQueued,
		},
	}
	deadline := t.job.CreatedAt.Add(p.cfg.Deadline)

	if !sleep(ctx, p.cfg.WarmUp) {
		return p.finish(t, p.stopped(t, ctx.Err()))
	}

	for {
		rep, ok := p.check(ctx, t)
		if ok {
			t.job.Status = rep.Status
			if out, terminal := p.terminal(t, rep); terminal {
				return p.finish(t, out)
			}
		}
		if t.job.Attempts == 1 || t.job.Attempts%p.cfg.LogEvery == 0 {
			log.Printf("[Poller] job %s attempt %d: status=%s raw=%q elapsed=%s",
				t.job.ExternalID, t.job.Attempts, t.job.Status, rep.Raw, time.Since(t.job.CreatedAt).Round(time.Millisecond))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return p.finish(t, p.pending(t))
		}
		wait := p.cfg.Interval
		if remaining < wait {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			return p.finish(t, p.stopped(t, ctx.Err()))
		}
	}
}

// Check performs a single status check for a job reported pending earlier.
// A job that is still not terminal yields another pending outcome.
func (p *Poller) Check(ctx context.Context, h *backend.JobHandle) Outcome {
	t := &tracker{handle: h, job: workflow.Job{ExternalID: h.ExternalID, CreatedAt: time.Now(), Status: workflow.JobUnknown}}
	rep, ok := p.check(ctx, t)
	if ok {
		t.job.Status = rep.Status
		if out, terminal := p.terminal(t, rep); terminal {
			return p.finish(t, out)
		}
	}
	out := p.pending(t)
	out.Message = fmt.Sprintf("job %s not finished yet (status %s)", h.ExternalID, t.job.Status)
	return out
}

// Recheck looks up the adapter for capability and checks one job it
// submitted earlier.
func (p *Poller) Recheck(ctx context.Context, reg *backend.Registry, capability, externalID string) (Outcome, error) {
	a, err := reg.Resolve(capability)
	if err != nil {
		return Outcome{}, err
	}
	r, ok := a.(backend.JobResumer)
	if !ok {
		return Outcome{}, fmt.Errorf("capability %s does not run async jobs", capability)
	}
	return p.Check(ctx, r.Handle(externalID)), nil
}

// check probes the adopted URL, or every candidate in order until one
// answers 200. Returns ok=false when no usable status document was read;
// the tick then counts as still running.
func (p *Poller) check(ctx context.Context, t *tracker) (report, bool) {
	t.job.Attempts++
	candidates := t.handle.Candidates
	if t.adopted != "" {
		candidates = []string{t.adopted}
	}

	for _, url := range candidates {
		code, body, err := t.handle.Probe.FetchStatus(ctx, url)
		if err != nil {
			log.Printf("[Poller] job %s probe %s failed: %v", t.job.ExternalID, url, err)
			continue
		}
		if code != http.StatusOK {
			continue
		}
		if t.adopted == "" {
			t.adopted = url
			t.job.StatusURL = url
			log.Printf("[Poller] job %s adopted status endpoint %s", t.job.ExternalID, url)
		}
		rep, err := interpret(t.handle.Vocabulary, t.handle.OutputKind, body)
		if err != nil {
			log.Printf("[Poller] job %s: unreadable status document: %v", t.job.ExternalID, err)
			p.metrics.RecordPollCheck(string(workflow.JobUnknown))
			return report{Status: workflow.JobRunning}, false
		}
		p.metrics.RecordPollCheck(string(rep.Status))
		return rep, true
	}
	p.metrics.RecordPollCheck(string(workflow.JobUnknown))
	return report{Status: workflow.JobRunning}, false
}

// terminal converts a terminal report into an outcome.
func (p *Poller) terminal(t *tracker, rep report) (Outcome, bool) {
	detail := map[string]any{"providerStatus": rep.Raw}
	if rep.Message != "" {
		detail["providerMessage"] = rep.Message
	}
	if t.handle.DashboardURL != "" {
		detail["dashboardUrl"] = t.handle.DashboardURL
	}

	switch rep.Status {
	case workflow.JobCompleted:
		if len(rep.Refs) == 0 {
			return Outcome{
				Job:     t.job,
				Kind:    workflow.ErrKindInconsistentResult,
				Message: fmt.Sprintf("job %s reported completed but carries no result (tried %v)", t.job.ExternalID, t.handle.Vocabulary.ResultKeys),
				Detail:  detail,
			}, true
		}
		t.job.ResultRef = rep.Refs[0]
		return Outcome{Job: t.job, Output: outputFor(t.handle.OutputKind, rep.Refs)}, true
	case workflow.JobFailed:
		msg := "generation failed"
		if rep.Message != "" {
			msg = "generation failed: " + rep.Message
		}
		return Outcome{Job: t.job, Kind: workflow.ErrKindJobFailed, Message: msg, Detail: detail}, true
	case workflow.JobNSFWBlocked:
		msg := "blocked by the provider's content policy"
		if rep.Message != "" {
			msg += ": " + rep.Message
		}
		return Outcome{Job: t.job, Kind: workflow.ErrKindNSFWBlocked, Message: msg, Detail: detail}, true
	}
	return Outcome{}, false
}

func (p *Poller) pending(t *tracker) Outcome {
	t.job.Status = workflow.JobUnknown
	detail := map[string]any{"externalId": t.job.ExternalID}
	msg := fmt.Sprintf("job %s still in progress after %s; check back later", t.job.ExternalID, p.cfg.Deadline)
	if t.handle.DashboardURL != "" {
		detail["dashboardUrl"] = t.handle.DashboardURL
		msg += " at " + t.handle.DashboardURL
	}
	return Outcome{Job: t.job, Pending: true, Message: msg, Detail: detail}
}

// stopped is a cancelled poll: the job may still finish on the provider's
// side, so it is reported pending rather than failed.
func (p *Poller) stopped(t *tracker, cause error) Outcome {
	out := p.pending(t)
	out.Message = fmt.Sprintf("polling of job %s stopped (%v); check back later", t.job.ExternalID, cause)
	return out
}

func (p *Poller) finish(t *tracker, out Outcome) Outcome {
	outcome := string(t.job.Status)
	if out.Pending {
		outcome = "pending"
	}
	p.metrics.RecordJob(outcome, time.Since(t.job.CreatedAt))
	log.Printf("[Poller] job %s finished after %d checks: %s", t.job.ExternalID, t.job.Attempts, outcome)
	return out
}

// sleep waits d or until ctx is done. Returns false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// report is one interpreted status document.
type report struct {
	Status    workflow.JobStatus
	Raw       string
	Refs      []string
	ResultKey string
	Message   string
}

// interpret maps a provider status document onto the canonical vocabulary.
// Missing or unrecognized status strings read as running.
func interpret(v backend.StatusVocabulary, kind workflow.OutputKind, body []byte) (report, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return report{}, err
	}

	raw, _ := backend.LookupString(doc, v.StatusKeys)
	rep := report{Raw: raw, Status: workflow.JobRunning}
	if s, ok := v.Canonical(raw); ok {
		rep.Status = s
	}
	if backend.LookupBool(doc, v.NSFWKeys) {
		rep.Status = workflow.JobNSFWBlocked
	}
	if rep.Status == workflow.JobCompleted {
		if kind == workflow.OutputImages {
			rep.Refs, rep.ResultKey = backend.LookupStrings(doc, v.ResultKeys)
		} else if ref, key := backend.LookupString(doc, v.ResultKeys); ref != "" {
			rep.Refs, rep.ResultKey = []string{ref}, key
		} else {
			rep.Refs, rep.ResultKey = backend.LookupStrings(doc, v.ResultKeys)
		}
	}
	if rep.Status == workflow.JobFailed || rep.Status == workflow.JobNSFWBlocked {
		rep.Message, _ = backend.LookupString(doc, v.MessageKeys)
	}
	return rep, nil
}

func outputFor(kind workflow.OutputKind, refs []string) *workflow.Output {
	if kind == workflow.OutputImages {
		return workflow.ImagesOutput(refs)
	}
	return workflow.OutputFromRef(kind, refs[0])
}
