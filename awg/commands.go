package awg

import (
	"math"
	"strconv"
	"strings"

	"github.com/quantumlab/labseq/trigger"
)

// commands for a Keysight 33500 / 33600 series generator.  Each type builds
// the SCPI for one capability of one channel.

// common commands addressed to the whole instrument
const (
	cmdTrigger     = "*TRG"
	cmdWait        = "*WAI"
	cmdOPC         = "*OPC?"
	cmdReset       = "*RST"
	cmdClearStatus = "*CLS"
	cmdAbort       = "ABORt"
	cmdError       = "SYST:ERR?"
	cmdSyncOff     = "OUTP:SYNC OFF"
	cmdSyncOn      = "OUTP:SYNC ON"
)

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// TriggerOutput enables or disables the rear panel trigger output, which
// drives the line the Slaves listen on
func TriggerOutput(on bool) string {
	return "OUTP:TRIG " + onOff(on)
}

// BurstCommands configures triggered burst output
type BurstCommands struct{ Ch int }

func (b BurstCommands) prefix() string { return "SOUR" + strconv.Itoa(b.Ch) + ":BURS:" }

// Triggered selects triggered (rather than gated) burst mode
func (b BurstCommands) Triggered() string { return b.prefix() + "MODE TRIG" }

// Cycles sets the number of waveform periods emitted per trigger
func (b BurstCommands) Cycles(n int) string { return b.prefix() + "NCYC " + strconv.Itoa(n) }

// State turns burst mode on or off
func (b BurstCommands) State(on bool) string { return b.prefix() + "STAT " + onOff(on) }

// RailCommands sets the output voltage limits
type RailCommands struct{ Ch int }

func (r RailCommands) prefix() string { return "SOUR" + strconv.Itoa(r.Ch) + ":VOLT:" }

// High sets the high rail in volts
func (r RailCommands) High(v float64) string { return r.prefix() + "HIGH " + fmtFloat(v) }

// Low sets the low rail in volts
func (r RailCommands) Low(v float64) string { return r.prefix() + "LOW " + fmtFloat(v) }

// LimitsOff disables the instrument's own voltage limits
func (r RailCommands) LimitsOff() string { return r.prefix() + "LIM:STAT 0" }

// TriggerCommands selects where a channel takes its trigger from
type TriggerCommands struct{ Ch int }

// Source is BUS for the Master and EXT for a Slave
func (t TriggerCommands) Source(role trigger.Role) string {
	src := "EXT"
	if role == trigger.Master {
		src = "BUS"
	}
	return "TRIG" + strconv.Itoa(t.Ch) + ":SOUR " + src
}

// DataCommands manages arbitrary waveform memory
type DataCommands struct{ Ch int }

func (d DataCommands) prefix() string { return "SOUR" + strconv.Itoa(d.Ch) + ":" }

// ClearVolatile erases every waveform in the channel's volatile memory
func (d DataCommands) ClearVolatile() string { return d.prefix() + "DATA:VOL:CLE" }

// Upload writes samples into volatile memory under name
func (d DataCommands) Upload(name string, samples []float64) string {
	var sb strings.Builder
	sb.Grow(len(samples) * 8)
	sb.WriteString(d.prefix())
	sb.WriteString("DATA:ARB ")
	sb.WriteString(name)
	for _, v := range samples {
		sb.WriteString(", ")
		sb.WriteString(fmtFloat(v))
	}
	return sb.String()
}

// Select makes name the active arbitrary waveform
func (d DataCommands) Select(name string) string { return d.prefix() + "FUNC:ARB " + name }

// Arb selects the arbitrary waveform function
func (d DataCommands) Arb() string { return d.prefix() + "FUNC ARB" }

// FilterOff disables interpolation between samples
func (d DataCommands) FilterOff() string { return d.prefix() + "FUNC:ARB:FILT OFF" }

// SampleRate sets the replay rate in Sa/s
func (d DataCommands) SampleRate(sps float64) string {
	return d.prefix() + "FUNC:ARB:SRAT " + fmtFloat(sps)
}

// DC outputs a static level
func (d DataCommands) DC(v float64) string { return d.prefix() + "APPL:DC DEF, DEF, " + fmtFloat(v) }

// MarkerPoint sets the sample at which the sync output changes state
func (d DataCommands) MarkerPoint(n int) string { return d.prefix() + "MARK:POIN " + strconv.Itoa(n) }

// OutputCommands controls the front panel output
type OutputCommands struct{ Ch int }

func (o OutputCommands) prefix() string { return "OUTP" + strconv.Itoa(o.Ch) }

// Load tells the instrument the impedance it drives.  An infinite load is high-Z.
func (o OutputCommands) Load(ohms float64) string { return o.prefix() + ":LOAD " + FormatLoad(ohms) }

// State turns the output on or off
func (o OutputCommands) State(on bool) string { return o.prefix() + " " + onOff(on) }

// Query asks whether the output is on
func (o OutputCommands) Query() string { return o.prefix() + "?" }

// SyncCarrier makes the sync output follow the marker of this channel's waveform
func (o OutputCommands) SyncCarrier() string { return o.prefix() + ":SYNC:MODE CARR" }

// SyncPolarity sets NORM or INV sync polarity
func (o OutputCommands) SyncPolarity(inverted bool) string {
	pol := "NORM"
	if inverted {
		pol = "INV"
	}
	return o.prefix() + ":SYNC:POL " + pol
}

// FormatLoad renders a load impedance the way OUTP:LOAD takes it
func FormatLoad(ohms float64) string {
	if math.IsInf(ohms, 1) {
		return "INF"
	}
	return fmtFloat(ohms)
}
