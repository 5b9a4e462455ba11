package bridge

import (
	"regexp"
	"strconv"
	"strings"
)

// RecordKind tags the closed variant set a parsed line produces (spec design
// note: "Operations are a closed variant set; model them as tagged records,
// not subclassing").
type RecordKind int

const (
	RecordPushEvent RecordKind = iota
	RecordSwitchReply
	RecordLoadReply
	RecordBareState
)

// Record is the typed result of parsing one line. Only the fields relevant
// to Kind are populated. Raw is the trimmed source line: it is the text
// handed to awaiters, and the Bridge reads its token to tell RGS from VGS
// replies.
type Record struct {
	Kind RecordKind
	SA   SA
	LA   LA
	// Value is the switch value (0/1) for PushEvent, SwitchReply, BareState.
	Value int
	// Level/Fade are populated for LoadReply.
	Level      int
	Fade       *float64
	Raw        string
	LoadSource LoadSource
}

var (
	// SW m s b v — push event; matched with FindAllStringSubmatch since a
	// line may carry multiple events (spec §4.3: "Multiple matches per line
	// are allowed").
	rePushEvent = regexp.MustCompile(`\bSW\s+(\d+)\s+(\d+)\s+(\d+)\s+([01])\b`)

	// RGS[#]/VGS[#] m s b v — switch reply. Tokens are matched
	// case-sensitively with an optional trailing '#', per the distilled
	// spec's resolution of the "case-insensitive RGS" open question.
	reSwitchReply = regexp.MustCompile(`^(RGS|VGS)#?\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*$`)

	// RLB[#] m e mod load level [fade]
	reLoadReplyRLB = regexp.MustCompile(`^RLB#?\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)(?:\s+([\d.]+))?\s*$`)

	// RGB[#] m e mod load level (never carries fade)
	reLoadReplyRGB = regexp.MustCompile(`^RGB#?\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*$`)
)

// ParseLine classifies line and returns zero or more typed Records, per
// spec §4.3. A line that matches nothing yields an empty slice; the caller
// (Session's reader loop) treats that as a best-effort skip, never an
// error — the reader must never abort on a malformed line.
func ParseLine(line string) []Record {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var records []Record

	for _, m := range rePushEvent.FindAllStringSubmatch(trimmed, -1) {
		master := atoiSafe(m[1])
		station := atoiSafe(m[2])
		button := atoiSafe(m[3])
		v := atoiSafe(m[4])
		records = append(records, Record{
			Kind:  RecordPushEvent,
			SA:    SA{M: master, S: station, B: button},
			Value: v,
			Raw:   trimmed,
		})
	}
	if len(records) > 0 {
		return records
	}

	if m := reSwitchReply.FindStringSubmatch(trimmed); m != nil {
		master, station, button := atoiSafe(m[2]), atoiSafe(m[3]), atoiSafe(m[4])
		v := atoiSafe(m[5])
		if v != 0 {
			v = 1
		}
		return []Record{{
			Kind:  RecordSwitchReply,
			SA:    SA{M: master, S: station, B: button},
			Value: v,
			Raw:   trimmed,
		}}
	}

	if m := reLoadReplyRLB.FindStringSubmatch(trimmed); m != nil {
		la := LA{M: atoiSafe(m[1]), Enclosure: atoiSafe(m[2]), Module: atoiSafe(m[3]), Load: atoiSafe(m[4])}
		level := atoiSafe(m[5])
		var fade *float64
		if m[6] != "" {
			if f, err := strconv.ParseFloat(m[6], 64); err == nil {
				fade = &f
			}
		}
		return []Record{{
			Kind:       RecordLoadReply,
			LA:         la,
			Level:      level,
			Fade:       fade,
			Raw:        trimmed,
			LoadSource: LoadSourceRLB,
		}}
	}

	if m := reLoadReplyRGB.FindStringSubmatch(trimmed); m != nil {
		la := LA{M: atoiSafe(m[1]), Enclosure: atoiSafe(m[2]), Module: atoiSafe(m[3]), Load: atoiSafe(m[4])}
		level := atoiSafe(m[5])
		return []Record{{
			Kind:       RecordLoadReply,
			LA:         la,
			Level:      level,
			Raw:        trimmed,
			LoadSource: LoadSourceRGB,
		}}
	}

	if trimmed == "0" || trimmed == "1" {
		return []Record{{
			Kind:  RecordBareState,
			Value: atoiSafe(trimmed),
			Raw:   trimmed,
		}}
	}

	return nil
}

func atoiSafe(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
