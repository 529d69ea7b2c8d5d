// Package collector runs the inventory scripts on one host and classifies the
// outcome.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/remote"
	"github.com/user/fleetscan/internal/scripts"
)

// ScriptSource provides script text by name.
type ScriptSource interface {
	Get(name string) (string, error)
}

// StepResult is the outcome of running one script.
type StepResult struct {
	Script   string
	Empty    bool
	Err      error
	Duration time.Duration
}

// OK reports whether the step produced a usable result, including an empty one.
func (s StepResult) OK() bool { return s.Err == nil }

// RawSnapshot is the loosely typed data gathered from one host. A nil
// section means the script failed or produced nothing usable.
type RawSnapshot struct {
	Hostname string
	Mode     model.ScanMode
	Since    time.Time

	Hardware map[string]any
	Disks    map[string]any

	// Software holds a full listing (array or single object) or, for an
	// incremental scan, an object with "installed" and "removed" lists.
	Software    any
	HasSoftware bool

	Roles    any
	HasRoles bool
}

// coreKeys maps core identity categories to their location in the snapshot.
var coreKeys = []struct {
	section string
	key     string
}{
	{"hardware", "ip_addresses"},
	{"hardware", "mac_addresses"},
	{"hardware", "processors"},
	{"disks", "physical_disks"},
}

// HasCoreSignal reports whether any IP, MAC, processor or physical disk data
// was obtained.
func (r *RawSnapshot) HasCoreSignal() bool {
	if r == nil {
		return false
	}
	for _, ck := range coreKeys {
		section := r.Hardware
		if ck.section == "disks" {
			section = r.Disks
		}
		if section == nil {
			continue
		}
		switch v := section[ck.key].(type) {
		case []any:
			if len(v) > 0 {
				return true
			}
		case map[string]any:
			if len(v) > 0 {
				return true
			}
		}
	}
	return false
}

// Result is the outcome of collecting one host.
type Result struct {
	Status model.CheckStatus
	Raw    *RawSnapshot
	Steps  []StepResult
	Err    error
}

// Classify reduces step results to a host status. Open failures are
// unreachable; any core identity signal means success even if other steps
// failed; otherwise a broken connection is unreachable and any other step
// error is failed.
func Classify(opened bool, steps []StepResult, raw *RawSnapshot) (model.CheckStatus, error) {
	var transportErr, stepErr error
	for _, s := range steps {
		if s.Err == nil {
			continue
		}
		var te *remote.TransportError
		if errors.As(s.Err, &te) {
			if transportErr == nil {
				transportErr = s.Err
			}
		} else if stepErr == nil {
			stepErr = s.Err
		}
	}

	switch {
	case !opened:
		return model.StatusUnreachable, transportErr
	case raw.HasCoreSignal():
		return model.StatusSuccess, nil
	case transportErr != nil:
		return model.StatusUnreachable, transportErr
	case stepErr != nil:
		return model.StatusFailed, stepErr
	default:
		return model.StatusUnreachable, errors.New("no core inventory data collected")
	}
}

// Collector runs the script sequence against one host.
type Collector struct {
	dialer  remote.Dialer
	scripts ScriptSource
	decoder *Decoder
	logger  zerolog.Logger
}

// New creates a collector.
func New(dialer remote.Dialer, source ScriptSource, decoder *Decoder, logger zerolog.Logger) *Collector {
	return &Collector{dialer: dialer, scripts: source, decoder: decoder, logger: logger}
}

// Collect opens a session to hostname and runs hardware, disks, software and,
// on servers, roles scripts in that order. since is the cutoff for an
// incremental software scan.
func (c *Collector) Collect(ctx context.Context, hostname string, cred model.Credential, mode model.ScanMode, since time.Time) Result {
	log := c.logger.With().Str("host", hostname).Str("mode", string(mode)).Logger()
	raw := &RawSnapshot{Hostname: hostname, Mode: mode, Since: since}

	session, err := c.dialer.Open(ctx, hostname, cred)
	if err != nil {
		var te *remote.TransportError
		if !errors.As(err, &te) {
			err = &remote.TransportError{Host: hostname, Op: "connect", Err: err}
		}
		log.Warn().Err(err).Msg("Failed to open session")
		step := StepResult{Script: "open", Err: err}
		status, cause := Classify(false, []StepResult{step}, nil)
		return Result{Status: status, Steps: []StepResult{step}, Err: cause}
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close session")
		}
	}()

	var steps []StepResult
	run := func(name, prefix string) (any, bool) {
		v, step := c.runScript(ctx, session, hostname, name, prefix)
		steps = append(steps, step)
		if step.Err != nil {
			log.Warn().Err(step.Err).Str("script", name).Msg("Script failed")
		}
		return v, step.Err == nil
	}
	aborted := func() bool {
		last := steps[len(steps)-1]
		var te *remote.TransportError
		return errors.As(last.Err, &te)
	}

	// Hardware.
	if v, ok := run(scripts.Hardware, ""); ok {
		obj, err := asObject(scripts.Hardware, v)
		if err != nil {
			steps[len(steps)-1].Err = err
			log.Warn().Err(err).Msg("Hardware output rejected")
		} else {
			raw.Hardware = obj
		}
	}
	if !aborted() {
		if v, ok := run(scripts.Disks, ""); ok {
			obj, err := asObject(scripts.Disks, v)
			if err != nil {
				steps[len(steps)-1].Err = err
			} else {
				raw.Disks = obj
			}
		}
	}

	if !aborted() {
		name, prefix := scripts.SoftwareFull, ""
		if mode == model.ScanIncremental {
			name = scripts.SoftwareIncremental
			prefix = fmt.Sprintf("$Since = '%s'\n", since.UTC().Format(time.RFC3339))
		}
		if v, ok := run(name, prefix); ok {
			switch {
			case v == nil && mode == model.ScanIncremental:
				// No changes since the last scan.
				raw.HasSoftware = true
			case v != nil:
				raw.Software = v
				raw.HasSoftware = true
			}
		}
	}

	if !aborted() && isServer(raw.Hardware) {
		if v, ok := run(scripts.Roles, ""); ok {
			raw.Roles = v
			raw.HasRoles = true
		}
	}

	status, cause := Classify(true, steps, raw)
	log.Debug().Str("status", string(status)).Int("steps", len(steps)).Msg("Collection finished")

	return Result{Status: status, Raw: raw, Steps: steps, Err: cause}
}

func (c *Collector) runScript(ctx context.Context, session remote.Session, host, name, prefix string) (v any, step StepResult) {
	start := time.Now()
	step.Script = name
	defer func() { step.Duration = time.Since(start) }()

	text, err := c.scripts.Get(name)
	if err != nil {
		step.Err = err
		metrics.ScriptErrors.WithLabelValues(name, "missing").Inc()
		return nil, step
	}

	res, err := session.Run(ctx, prefix+text)
	if err != nil {
		step.Err = err
		metrics.ScriptErrors.WithLabelValues(name, "transport").Inc()
		return nil, step
	}
	if res.ExitCode != 0 {
		step.Err = &remote.CommandError{
			Host:     host,
			Script:   name,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
		metrics.ScriptErrors.WithLabelValues(name, "command").Inc()
		return nil, step
	}

	v, err = c.decoder.Parse(name, res.Stdout)
	if err != nil {
		step.Err = err
		metrics.ScriptErrors.WithLabelValues(name, "parse").Inc()
		return nil, step
	}

	step.Empty = v == nil
	return v, step
}

func asObject(script string, v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		// ConvertTo-Json wraps a single pipeline object in an array when
		// called with -AsArray.
		if len(t) == 1 {
			if obj, ok := t[0].(map[string]any); ok {
				return obj, nil
			}
		}
	}
	return nil, &ParseError{Script: script, Err: errors.New("expected a JSON object")}
}

func isServer(hw map[string]any) bool {
	if hw == nil {
		return false
	}
	name, _ := hw["os_name"].(string)
	return model.HostFacts{OSName: name}.IsServer()
}
