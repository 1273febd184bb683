package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-nock/internal/normalize"
	"github.com/23skdu/longbow-nock/internal/quant"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var tracer = otel.Tracer("nock-pipeline")

// ErrOutputCollision is returned when a planned output would overwrite a
// tensor that no unit consumes, or when two units plan the same output.
var ErrOutputCollision = errors.New("output name collision")

// Job is one planned unit: the inputs, the rule that selected them and, when
// some pass matched, that pass and its plan.
type Job struct {
	Primary string
	Rule    int
	rule    *Rule
	Inputs  tensor.Mapping
	Pass    quant.Pass
	Plan    *quant.Plan
}

// Driver selects passes for units of a collection and runs them.
type Driver struct {
	rules       *Rules
	passes      []quant.Pass
	norm        *normalize.Normalizer
	concurrency int
}

// NewDriver builds a driver. Passes are tried in order; the first match wins.
func NewDriver(rules *Rules, passes []quant.Pass, norm *normalize.Normalizer) *Driver {
	c := rules.Concurrency
	if c <= 0 {
		c = runtime.GOMAXPROCS(0)
	}
	return &Driver{rules: rules, passes: passes, norm: norm, concurrency: c}
}

// Plan groups the collection into units, selects a pass per unit and
// prepares it. Nothing is transformed.
func (d *Driver) Plan(coll tensor.Mapping) ([]*Job, error) {
	jobs := d.group(coll)

	for _, j := range jobs {
		cfg := j.rule.QuantConfig()
		for _, p := range d.passes {
			if p.Match(cfg, j.Inputs) {
				j.Pass = p
				break
			}
		}
		if j.Pass == nil {
			continue
		}
		plan, err := j.Pass.Prepare(cfg, j.Inputs)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %s: %w", j.Primary, j.Pass.Name(), err)
		}
		j.Plan = plan
	}

	// Every name read by a unit, planned or not, belongs to that unit.
	owner := make(map[string]string)
	for _, j := range jobs {
		for name := range j.Inputs {
			owner[name] = j.Primary
		}
	}
	produced := make(map[string]string)
	for _, j := range jobs {
		if j.Plan == nil {
			continue
		}
		for _, out := range j.Plan.OutputNames() {
			if prev, dup := produced[out]; dup {
				return nil, fmt.Errorf("%w: %q planned by units %s and %s", ErrOutputCollision, out, prev, j.Primary)
			}
			produced[out] = j.Primary
			if _, own := j.Plan.Inputs[out]; own {
				continue
			}
			if other, ok := owner[out]; ok {
				return nil, fmt.Errorf("%w: unit %s would overwrite %q, an input of unit %s", ErrOutputCollision, j.Primary, out, other)
			}
			if _, exists := coll[out]; exists {
				return nil, fmt.Errorf("%w: unit %s would overwrite %q", ErrOutputCollision, j.Primary, out)
			}
		}
	}
	return jobs, nil
}

// group forms units in sorted key order. A weight claims the bias of its
// layer when its rule asks for layer units; everything else matched by a
// rule becomes a unit of its own.
func (d *Driver) group(coll tensor.Mapping) []*Job {
	keys := coll.Keys()
	claimed := make(map[string]bool, len(keys))
	var jobs []*Job

	for _, key := range keys {
		if !strings.Contains(key, quant.WeightMarker) || strings.Contains(key, quant.BiasMarker) {
			continue
		}
		idx, rule := d.rules.Match(key)
		if rule == nil {
			continue
		}
		j := &Job{Primary: key, Rule: idx, rule: rule, Inputs: tensor.Mapping{key: coll[key]}}
		claimed[key] = true
		if rule.Unit == UnitLayer {
			if b := biasPartner(key); b != "" && !claimed[b] {
				if v, ok := coll[b]; ok {
					j.Inputs[b] = v
					claimed[b] = true
				}
			}
		}
		jobs = append(jobs, j)
	}

	for _, key := range keys {
		if claimed[key] {
			continue
		}
		idx, rule := d.rules.Match(key)
		if rule == nil {
			continue
		}
		jobs = append(jobs, &Job{Primary: key, Rule: idx, rule: rule, Inputs: tensor.Mapping{key: coll[key]}})
	}
	return jobs
}

// biasPartner maps "x.weight" to "x.bias" at the last weight marker.
func biasPartner(weightKey string) string {
	i := strings.LastIndex(weightKey, quant.WeightMarker)
	if i < 0 {
		return ""
	}
	return weightKey[:i] + quant.BiasMarker + weightKey[i+len(quant.WeightMarker):]
}

// DryRun plans the collection and reports what Run would do.
func (d *Driver) DryRun(coll tensor.Mapping) (*Report, error) {
	start := time.Now()
	jobs, err := d.Plan(coll)
	if err != nil {
		return nil, err
	}
	rep := d.newReport(start, true)
	for _, j := range jobs {
		u := d.unitReport(j)
		if j.Plan != nil {
			u.Outcome = OutcomePlanned
		}
		rep.Units = append(rep.Units, u)
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

// Run plans and executes every matched unit, writing outputs back into coll:
// consumed inputs are removed and outputs inserted. Units run concurrently;
// the first failure cancels the rest and is returned with the partial report.
func (d *Driver) Run(ctx context.Context, coll tensor.Mapping) (*Report, error) {
	start := time.Now()
	jobs, err := d.Plan(coll)
	if err != nil {
		return nil, err
	}

	rep := d.newReport(start, false)
	rep.Units = make([]UnitReport, len(jobs))
	for i, j := range jobs {
		rep.Units[i] = d.unitReport(j)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, j := range jobs {
		if j.Plan == nil {
			unitsTotal.WithLabelValues(OutcomeUnmatched).Inc()
			log.Debug().Str("unit", j.Primary).Int("rule", j.Rule).Msg("No pass matched, leaving unit untouched")
			continue
		}
		u := &rep.Units[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				u.Outcome = OutcomeCancelled
				return err
			}
			out, err := d.runJob(gctx, j)
			if err != nil {
				u.Outcome = OutcomeFailed
				u.Error = err.Error()
				unitsTotal.WithLabelValues(OutcomeFailed).Inc()
				return err
			}

			mu.Lock()
			for name := range j.Plan.Inputs {
				delete(coll, name)
			}
			for name, v := range out {
				coll[name] = v
			}
			mu.Unlock()

			u.Outcome = OutcomeExecuted
			unitsTotal.WithLabelValues(OutcomeExecuted).Inc()
			tensorsWritten.Add(float64(len(out)))
			return nil
		})
	}
	err = g.Wait()
	for i, j := range jobs {
		if j.Plan != nil && rep.Units[i].Outcome == "" {
			rep.Units[i].Outcome = OutcomeCancelled
		}
	}
	rep.Duration = time.Since(start)
	if err != nil {
		return rep, err
	}

	log.Info().
		Int("executed", rep.Count(OutcomeExecuted)).
		Int("unmatched", rep.Count(OutcomeUnmatched)).
		Dur("duration", rep.Duration).
		Msg("Pipeline run complete")
	return rep, nil
}

func (d *Driver) runJob(ctx context.Context, j *Job) (tensor.Mapping, error) {
	name := j.Pass.Name()
	_, span := tracer.Start(ctx, "runUnit", trace.WithAttributes(
		attribute.String("unit", j.Primary),
		attribute.String("pass", name),
		attribute.Int("inputs", j.Plan.InputsNum),
	))
	defer span.End()

	start := time.Now()
	out, err := j.Pass.Run(j.rule.QuantConfig(), j.Inputs)
	passDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		passRuns.WithLabelValues(name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("unit", j.Primary).Str("pass", name).Msg("Pass failed")
		return nil, fmt.Errorf("unit %s: %s: %w", j.Primary, name, err)
	}

	for _, want := range j.Plan.OutputNames() {
		if _, ok := out[want]; !ok {
			passRuns.WithLabelValues(name, "error").Inc()
			return nil, fmt.Errorf("unit %s: %s: planned output %q missing", j.Primary, name, want)
		}
	}
	if len(out) != j.Plan.OutputsNum {
		passRuns.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("unit %s: %s: produced %d outputs, planned %d", j.Primary, name, len(out), j.Plan.OutputsNum)
	}

	passRuns.WithLabelValues(name, "ok").Inc()
	log.Debug().Str("unit", j.Primary).Str("pass", name).Strs("outputs", j.Plan.OutputNames()).Msg("Unit transformed")
	return out, nil
}

func (d *Driver) newReport(start time.Time, dry bool) *Report {
	rep := &Report{StartedAt: start, DryRun: dry}
	if d.norm != nil {
		for _, c := range d.norm.Capabilities().Entries() {
			rep.Backends = append(rep.Backends, BackendReport{Name: c.Adapter.Name(), Available: c.Available, Reason: c.Reason})
		}
	}
	return rep
}

func (d *Driver) unitReport(j *Job) UnitReport {
	u := UnitReport{Primary: j.Primary, Rule: j.Rule, Pattern: j.rule.Pattern, Outcome: OutcomeUnmatched}
	for _, name := range j.Inputs.Keys() {
		in := InputReport{Name: name, Kind: tensor.Invalid.String()}
		if d.norm != nil {
			if kind, backend, ok := d.norm.Inspect(j.Inputs[name]); ok {
				in.Kind, in.Backend = kind.String(), backend
			} else {
				in.Diagnostic = "no available backend accepts this value"
			}
		}
		u.Inputs = append(u.Inputs, in)
	}
	if j.Plan != nil {
		u.Pass = j.Pass.Name()
		u.Outputs = j.Plan.OutputNames()
		u.Outcome = ""
	}
	return u
}
