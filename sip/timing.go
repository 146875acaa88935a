package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
	// TimeStale is the maximum duration a transaction may stay in a state
	// that RFC 3261 does not guard with any timer.
	TimeStale = 5 * time.Minute
)

// TimingConfig represents SIP timing config.
// It is used to configure SIP timers as described in RFC 3261.
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time100].
// All other timings are calculated based on these base values.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100,
	timeout,
	stale time.Duration
}

// NewTimings creates a new SIP timing config with specified base values.
// See [TimingConfig] for more details about how base timing values are used.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4, timeD: timeD, time100: time100}
}

// WithTransactionTimeout returns a copy of the config with the terminal
// transaction timeout (Timer B, F and H) overridden.
// Zero restores the RFC value of 64*T1.
func (c TimingConfig) WithTransactionTimeout(d time.Duration) TimingConfig {
	c.timeout = d
	return c
}

// WithStaleTimeout returns a copy of the config with the stale transaction guard overridden.
// Zero restores [TimeStale].
func (c TimingConfig) WithStaleTimeout(d time.Duration) TimingConfig {
	c.stale = d
	return c
}

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// Time100 is the timeout for automatic 100 Trying response on INVITE.
// It is equal to [Time100] if not specified.
func (c TimingConfig) Time100() time.Duration {
	if c.time100 == 0 {
		return Time100
	}
	return c.time100
}

// TransactionTimeout is the terminal timeout of client transactions and of
// the INVITE server transaction waiting for ACK.
// It is equal to 64*[TimingConfig.T1] if not specified.
func (c TimingConfig) TransactionTimeout() time.Duration {
	if c.timeout == 0 {
		return 64 * c.T1()
	}
	return c.timeout
}

// TimeStale is the guard timeout for states without RFC timers.
// It is equal to [TimeStale] if not specified.
func (c TimingConfig) TimeStale() time.Duration {
	if c.stale == 0 {
		return TimeStale
	}
	return c.stale
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout.
// It is equal to [TimingConfig.TransactionTimeout].
func (c TimingConfig) TimeB() time.Duration { return c.TransactionTimeout() }

// TimeD is the wait duration for response retransmits via unreliable transport.
// It is equal to [TimeD] if not specified.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout.
// It is equal to [TimingConfig.TransactionTimeout].
func (c TimingConfig) TimeF() time.Duration { return c.TransactionTimeout() }

// TimeG returns initial INVITE response retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
// It is equal to [TimingConfig.TransactionTimeout].
func (c TimingConfig) TimeH() time.Duration { return c.TransactionTimeout() }

// TimeI returns wait duration for ACK request retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration for non-INVITE request retransmits via unreliable transport.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns wait duration for response retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// backoff doubles the retransmit interval up to T2.
func (c TimingConfig) backoff(d time.Duration) time.Duration {
	return min(2*d, c.T2())
}

func (c TimingConfig) IsZero() bool {
	return c == TimingConfig{}
}

type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Stale   time.Duration `json:"stale,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:      c.t1,
		T2:      c.t2,
		T4:      c.t4,
		TimeD:   c.timeD,
		Time100: c.time100,
		Timeout: c.timeout,
		Stale:   c.stale,
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = TimingConfig{
		t1:      d.T1,
		t2:      d.T2,
		t4:      d.T4,
		timeD:   d.TimeD,
		time100: d.Time100,
		timeout: d.Timeout,
		stale:   d.Stale,
	}
	return nil
}
