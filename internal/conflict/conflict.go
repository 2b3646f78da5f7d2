package conflict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"planner/internal/models"
)

// Side selects one of the two snapshots of a conflict.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Mode is a resolution strategy.
type Mode string

const (
	UseLocal    Mode = "use-local"
	UseRemote   Mode = "use-remote"
	AutoMerge   Mode = "auto-merge"
	CustomMerge Mode = "custom-merge"
)

var ErrInvalidChoice = errors.New("invalid conflict choice")

// Snapshot is one version of a record. TabID is set for local edits,
// Source for remote ones.
type Snapshot struct {
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	TabID     string         `json:"tabId,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// Case is two divergent versions of the same page record.
type Case struct {
	Local    Snapshot
	Remote   Snapshot
	PageType string
	PageID   string
}

// FieldDiff compares one field across both snapshots. A field missing on
// one side has a nil value and a false In flag there.
type FieldDiff struct {
	Field       string `json:"field"`
	Local       any    `json:"localValue"`
	Remote      any    `json:"remoteValue"`
	InLocal     bool   `json:"-"`
	InRemote    bool   `json:"-"`
	IsDifferent bool   `json:"isDifferent"`
}

// FromEmergency builds a case from a recovered emergency record and the
// current remote version of the same page.
func FromEmergency(rec *models.EmergencyRecord, remote json.RawMessage, remoteAt time.Time) (Case, error) {
	local, err := decodeObject(rec.Data)
	if err != nil {
		return Case{}, fmt.Errorf("local snapshot: %w", err)
	}
	other, err := decodeObject(remote)
	if err != nil {
		return Case{}, fmt.Errorf("remote snapshot: %w", err)
	}
	return Case{
		Local:    Snapshot{Data: local, Timestamp: rec.Timestamp, Source: string(rec.Source)},
		Remote:   Snapshot{Data: other, Timestamp: remoteAt},
		PageType: rec.PageType,
		PageID:   rec.PageID,
	}, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Diff returns one entry per field in either record, differing fields
// first, then by field name.
func Diff(local, remote map[string]any) []FieldDiff {
	fields := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		fields[k] = struct{}{}
	}
	for k := range remote {
		fields[k] = struct{}{}
	}

	out := make([]FieldDiff, 0, len(fields))
	for field := range fields {
		lv, inLocal := local[field]
		rv, inRemote := remote[field]
		out = append(out, FieldDiff{
			Field:       field,
			Local:       lv,
			Remote:      rv,
			InLocal:     inLocal,
			InRemote:    inRemote,
			IsDifferent: inLocal != inRemote || !equal(lv, rv),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDifferent != out[j].IsDifferent {
			return out[i].IsDifferent
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// equal compares values by their canonical JSON encoding, so map key order
// and numeric representation do not matter.
func equal(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ja, jb)
}

func (c Case) Diff() []FieldDiff {
	return Diff(c.Local.Data, c.Remote.Data)
}

// DifferingFields lists the names of fields that need a decision.
func (c Case) DifferingFields() []string {
	var out []string
	for _, d := range c.Diff() {
		if d.IsDifferent {
			out = append(out, d.Field)
		}
	}
	return out
}

// Newest is the side with the later timestamp. Ties go to remote.
func (c Case) Newest() Side {
	if c.Local.Timestamp.After(c.Remote.Timestamp) {
		return Local
	}
	return Remote
}

func (c Case) snapshot(side Side) Snapshot {
	if side == Local {
		return c.Local
	}
	return c.Remote
}

// Resolve merges the two snapshots. choices is only read by CustomMerge and
// maps differing field names to the side to keep; fields without a choice
// take the newest side. A field missing on the chosen side keeps the other
// side's value, so the result always holds every field of both inputs.
func (c Case) Resolve(mode Mode, choices map[string]Side) (map[string]any, error) {
	newest := c.Newest()

	pick := func(string) Side { return newest }
	switch mode {
	case UseLocal:
		pick = func(string) Side { return Local }
	case UseRemote:
		pick = func(string) Side { return Remote }
	case AutoMerge:
	case CustomMerge:
		for field, side := range choices {
			if side != Local && side != Remote {
				return nil, fmt.Errorf("%w: %q for field %q", ErrInvalidChoice, side, field)
			}
		}
		pick = func(field string) Side {
			if side, ok := choices[field]; ok {
				return side
			}
			return newest
		}
	default:
		return nil, fmt.Errorf("unknown resolution mode %q", mode)
	}

	merged := make(map[string]any, len(c.Local.Data)+len(c.Remote.Data))
	for k, v := range c.Remote.Data {
		merged[k] = v
	}
	for k, v := range c.Local.Data {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	for _, d := range c.Diff() {
		if !d.IsDifferent {
			continue
		}
		side := pick(d.Field)
		switch {
		case side == Local && d.InLocal:
			merged[d.Field] = d.Local
		case side == Remote && d.InRemote:
			merged[d.Field] = d.Remote
		}
	}
	return merged, nil
}
