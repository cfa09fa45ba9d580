package circuit

import (
	"math"

	"github.com/samber/oops"
)

// Congestion-control parameters are built fresh for every circuit build as
// plain validated records.

// FixedWindowParams configures the fixed-window (SENDME) algorithm.
type FixedWindowParams struct {
	// Start is the initial circuit-level window, in cells.
	Start uint32
	// Min and Max bound the window.
	Min uint32
	Max uint32
}

// RTTParams configures the round-trip-time estimator.
type RTTParams struct {
	// EWMACwndPct weights the congestion-window EWMA, in percent.
	EWMACwndPct uint32
	// EWMAMax caps the number of samples in the EWMA.
	EWMAMax uint32
	// EWMASSMax caps the samples during slow start.
	EWMASSMax uint32
	// RTTResetPct scales the RTT estimate on reset, in percent.
	RTTResetPct uint32
}

// CwndParams configures congestion-window growth.
type CwndParams struct {
	Init      uint32
	IncPctSS  uint32
	Inc       uint32
	IncRate   uint32
	Min       uint32
	Max       uint32
	SendmeInc uint32
}

// CongestionControl bundles the per-circuit congestion-control parameters.
type CongestionControl struct {
	FixedWindow FixedWindowParams
	RTT         RTTParams
	Cwnd        CwndParams
}

// DefaultCongestionControl returns the stock parameter set.
func DefaultCongestionControl() *CongestionControl {
	return &CongestionControl{
		FixedWindow: FixedWindowParams{
			Start: 1000,
			Min:   100,
			Max:   1000,
		},
		RTT: RTTParams{
			EWMACwndPct: 50,
			EWMAMax:     10,
			EWMASSMax:   2,
			RTTResetPct: 100,
		},
		Cwnd: CwndParams{
			Init:      124,
			IncPctSS:  100,
			Inc:       1,
			IncRate:   31,
			Min:       124,
			Max:       math.MaxUint32,
			SendmeInc: 31,
		},
	}
}

// Validate checks the record's internal consistency.
func (cc *CongestionControl) Validate() error {
	fw := cc.FixedWindow
	if fw.Min == 0 || fw.Min > fw.Max {
		return oops.Errorf("fixed window bounds [%d, %d] invalid", fw.Min, fw.Max)
	}
	if fw.Start < fw.Min || fw.Start > fw.Max {
		return oops.Errorf("fixed window start %d outside [%d, %d]", fw.Start, fw.Min, fw.Max)
	}
	if cc.RTT.EWMACwndPct == 0 || cc.RTT.EWMACwndPct > 100 {
		return oops.Errorf("ewma cwnd percentage %d invalid", cc.RTT.EWMACwndPct)
	}
	if cc.Cwnd.Min == 0 || cc.Cwnd.Min > cc.Cwnd.Max {
		return oops.Errorf("cwnd bounds [%d, %d] invalid", cc.Cwnd.Min, cc.Cwnd.Max)
	}
	if cc.Cwnd.Init < cc.Cwnd.Min || cc.Cwnd.Init > cc.Cwnd.Max {
		return oops.Errorf("cwnd init %d outside [%d, %d]", cc.Cwnd.Init, cc.Cwnd.Min, cc.Cwnd.Max)
	}
	if cc.Cwnd.SendmeInc == 0 {
		return oops.Errorf("sendme increment must be positive")
	}
	return nil
}
