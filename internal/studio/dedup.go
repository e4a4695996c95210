// Package studio implements the live training-run telemetry pipeline:
// structural event deduplication, a frame-coalesced telemetry ring, the
// run lifecycle state machine, and the consumer and registry that drive
// them against the Training Control API.
package studio

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/ashita-ai/renshu/internal/model"
)

// EventKey computes the structural identity key of an event: a SHA-256
// hex digest over a canonical encoding of the semantic field subset.
// Two structurally identical events produce the same key regardless of
// delivery path (historical page or live stream). Transport metadata
// (stream offsets, session ids) never participates.
//
// The encoding is length-prefixed with an explicit presence byte per
// field, so a freeform message containing the literal text "null" can
// never collide with an absent field, and metric names sort before
// hashing so map iteration order is irrelevant.
func EventKey(ev model.MetricEvent) string {
	h := sha256.New()

	writeAbsent := func() {
		h.Write([]byte{0x00})
	}
	writeString := func(s string) {
		h.Write([]byte{0x01})
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeOptStr := func(s string) {
		if s == "" {
			writeAbsent()
			return
		}
		writeString(s)
	}
	writeOptInt := func(v *int64) {
		if v == nil {
			writeAbsent()
			return
		}
		writeString(strconv.FormatInt(*v, 10))
	}
	writeOptFloat := func(v *float64) {
		if v == nil {
			writeAbsent()
			return
		}
		writeString(strconv.FormatFloat(*v, 'g', -1, 64))
	}

	// Field order is fixed; changing it changes every key.
	writeString(string(ev.Type))
	writeOptStr(ev.Timestamp)
	writeOptStr(string(ev.Status))
	writeOptInt(ev.Step)
	writeOptInt(ev.Epoch)
	writeOptFloat(ev.Percent)
	writeOptStr(ev.Message)
	writeOptFloat(ev.Loss)
	writeOptFloat(ev.LR)
	writeOptFloat(ev.GradNorm)
	writeOptFloat(ev.ParamNorm)
	writeOptFloat(ev.UpdateNorm)
	writeOptFloat(ev.ProjX)
	writeOptFloat(ev.ProjY)

	if len(ev.Metrics) == 0 {
		writeAbsent()
	} else {
		names := make([]string, 0, len(ev.Metrics))
		for name := range ev.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		writeString(strconv.Itoa(len(names)))
		for _, name := range names {
			writeString(name)
			writeString(strconv.FormatFloat(ev.Metrics[name], 'g', -1, 64))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Dedup tracks the structural keys of every event applied to the
// currently retained window and rejects replays. Not safe for concurrent
// use; the owning consumer serializes access.
type Dedup struct {
	seen map[string]struct{}
}

// NewDedup returns an empty key set.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// IsNew reports whether key has not been marked since the last Clear.
func (d *Dedup) IsNew(key string) bool {
	_, ok := d.seen[key]
	return !ok
}

// Mark records key so every later IsNew call rejects it.
func (d *Dedup) Mark(key string) {
	d.seen[key] = struct{}{}
}

// Len returns the number of marked keys.
func (d *Dedup) Len() int {
	return len(d.seen)
}

// Clear forgets all marked keys. The owning consumer calls it exactly
// when the retained window is reset on a run switch or rebuilt after
// truncation.
func (d *Dedup) Clear() {
	clear(d.seen)
}
