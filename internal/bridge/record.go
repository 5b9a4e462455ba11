package bridge

import "time"

// SwitchSource identifies where a SwitchRecord's value came from, per the
// data model in SPEC_FULL.md §3.
type SwitchSource string

const (
	SourceTCPAwait  SwitchSource = "tcp-await"
	SourcePushState SwitchSource = "push-state"
	SourceRGS       SwitchSource = "RGS"
	SourceVGS       SwitchSource = "VGS"
	SourceBare      SwitchSource = "bare"
)

// SwitchRecord is the cached/returned state of one switch address.
type SwitchRecord struct {
	Value  int
	Raw    string
	TS     time.Time
	Bytes  int
	Source SwitchSource
}

// LoadSource identifies where a LoadRecord's value came from.
type LoadSource string

const (
	LoadSourceRLB LoadSource = "RLB"
	LoadSourceRGB LoadSource = "RGB"
)

// LoadRecord is the cached/returned state of one load address. Fade is nil
// when the controller's reply omitted it (RGB never carries fade).
type LoadRecord struct {
	Level  int
	Fade   *float64
	Raw    string
	TS     time.Time
	Bytes  int
	Source LoadSource
}

// PushState is the authoritative, push-confirmed value for a switch
// address. It is written only by PushPipeline after a successful confirm
// read (spec invariant).
type PushState struct {
	Value int
	TS    time.Time
}
