package sip

import (
	"cmp"
	"encoding/json"
	"log/slog"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"
)

// Base timer values of RFC 3261 Table 4.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 caps the retransmit interval of non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum lifetime of a message in the network.
	T4 = 5 * time.Second
	// TimeD is how long an INVITE client transaction absorbs response retransmits.
	TimeD = 32 * time.Second
	// Time100 is the delay of an automatic 100 Trying (RFC 3261 §17.2.1).
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base timer values. Zero fields take the package defaults,
// derived timers A..M are computed from the base values.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

// NewTimings creates a config from the base values, zero means default.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4, timeD: timeD, time100: time100}
}

func (c TimingConfig) T1() time.Duration { return cmp.Or(c.t1, T1) }

func (c TimingConfig) T2() time.Duration { return cmp.Or(c.t2, T2) }

func (c TimingConfig) T4() time.Duration { return cmp.Or(c.t4, T4) }

func (c TimingConfig) TimeD() time.Duration { return cmp.Or(c.timeD, TimeD) }

func (c TimingConfig) Time100() time.Duration { return cmp.Or(c.time100, Time100) }

// TimeA is the first INVITE retransmit interval, doubled on every retransmit.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeE is the first non-INVITE retransmit interval, doubled up to T2.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the first retransmit interval of a final INVITE response, doubled up to T2.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is how long an INVITE server transaction waits for the ACK.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI absorbs ACK retransmits.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ absorbs non-INVITE request retransmits.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK absorbs non-INVITE response retransmits.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL is how long an accepted INVITE keeps retransmitting its 2xx without an ACK (RFC 6026).
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM is how long a client keeps its ACK for retransmitted or forked 2xx (RFC 6026).
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

func (c TimingConfig) IsZero() bool { return c == TimingConfig{} }

// Validate reports negative values and a T2 below T1.
func (c TimingConfig) Validate() error {
	for _, v := range [...]time.Duration{c.t1, c.t2, c.t4, c.timeD, c.time100} {
		if v < 0 {
			return errtrace.Wrap(NewInvalidArgumentError("negative timer value %v", v))
		}
	}
	if c.T2() < c.T1() {
		return errtrace.Wrap(NewInvalidArgumentError("T2 %v is less than T1 %v", c.T2(), c.T1()))
	}
	return nil
}

// LogValue implements [slog.LogValuer].
func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
		slog.Duration("time_100", c.Time100()),
	)
}

// timingConfData is the encoded form, durations in YAML use [time.ParseDuration] syntax.
type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty" yaml:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty" yaml:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty" yaml:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty" yaml:"time-d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty" yaml:"time-100,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData(c.fields())))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = NewTimings(d.T1, d.T2, d.T4, d.TimeD, d.Time100)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (c TimingConfig) MarshalYAML() (any, error) {
	return timingConfData(c.fields()), nil
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (c *TimingConfig) UnmarshalYAML(node *yaml.Node) error {
	var d timingConfData
	if err := node.Decode(&d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = NewTimings(d.T1, d.T2, d.T4, d.TimeD, d.Time100)
	return nil
}

type timingFields struct {
	T1, T2, T4, TimeD, Time100 time.Duration
}

func (c TimingConfig) fields() timingFields {
	return timingFields{c.t1, c.t2, c.t4, c.timeD, c.time100}
}
