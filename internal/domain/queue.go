package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceTag identifies a third-party bibliographic API.
type SourceTag string

const (
	SourceDimensions SourceTag = "DIMENSIONS"
	SourceScopus     SourceTag = "SCOPUS"
	SourceWos        SourceTag = "WOS"
	SourcePubmed     SourceTag = "PUBMED"
	SourceS2         SourceTag = "S2"
)

// AllSources lists the known source tags.
var AllSources = []SourceTag{SourceDimensions, SourceScopus, SourceWos, SourcePubmed, SourceS2}

// ParseSourceTag validates a source tag string.
func ParseSourceTag(s string) (SourceTag, error) {
	for _, tag := range AllSources {
		if string(tag) == s {
			return tag, nil
		}
	}
	return "", fmt.Errorf("unknown source tag %q", s)
}

// Priority of one source within a queue entry's source list.
type Priority int

const (
	// PriorityForce always runs the source, even when evidence exists.
	PriorityForce Priority = 1
	// PriorityTry runs the source only while no abstract has been found.
	PriorityTry Priority = 2
)

// OnConflict selects the strategy when a queue entry already has rows in the
// request table (matched via any shared identifier).
type OnConflict int

const (
	// ConflictForce ignores existing results and always adds another request row.
	ConflictForce OnConflict = 1
	// ConflictDoNothing skips the entry if the source was ever asked before.
	ConflictDoNothing OnConflict = 2
	// ConflictRetryAbstract retries while no request row has an abstract.
	ConflictRetryAbstract OnConflict = 3
	// ConflictRetryRaw retries while no request row has the source's raw payload.
	ConflictRetryRaw OnConflict = 4
)

// SourceStep is one (source, priority) pair in a queue entry's source list.
type SourceStep struct {
	Source   SourceTag
	Priority Priority
}

// SourceList is the ordered list of sources still to be tried for a queue
// entry. The head is the next source to attempt. It is persisted as a JSON
// array of two-element tuples, e.g. [["DIMENSIONS", 2], ["SCOPUS", 2]].
// A nil list means "use the default source list".
type SourceList []SourceStep

// DefaultSources is the order assigned to entries queued without an explicit
// source list.
func DefaultSources() SourceList {
	return SourceList{
		{Source: SourceDimensions, Priority: PriorityTry},
		{Source: SourceScopus, Priority: PriorityTry},
		{Source: SourceWos, Priority: PriorityTry},
		{Source: SourcePubmed, Priority: PriorityTry},
	}
}

func (l SourceList) MarshalJSON() ([]byte, error) {
	tuples := make([][2]any, len(l))
	for i, step := range l {
		tuples[i] = [2]any{string(step.Source), int(step.Priority)}
	}
	return json.Marshal(tuples)
}

func (l *SourceList) UnmarshalJSON(data []byte) error {
	var tuples [][2]json.RawMessage
	if err := json.Unmarshal(data, &tuples); err != nil {
		return fmt.Errorf("source list is not an array of tuples: %w", err)
	}
	out := make(SourceList, 0, len(tuples))
	for _, tuple := range tuples {
		var name string
		var prio int
		if err := json.Unmarshal(tuple[0], &name); err != nil {
			return fmt.Errorf("source tuple tag: %w", err)
		}
		if err := json.Unmarshal(tuple[1], &prio); err != nil {
			return fmt.Errorf("source tuple priority: %w", err)
		}
		tag, err := ParseSourceTag(name)
		if err != nil {
			return err
		}
		out = append(out, SourceStep{Source: tag, Priority: Priority(prio)})
	}
	*l = out
	return nil
}

// Head returns the next source step to attempt.
func (l SourceList) Head() (SourceStep, bool) {
	if len(l) == 0 {
		return SourceStep{}, false
	}
	return l[0], true
}

// DropSource removes the leading occurrence of the given source.
func (l SourceList) DropSource(source SourceTag) SourceList {
	out := make(SourceList, 0, len(l))
	dropped := false
	for _, step := range l {
		if !dropped && step.Source == source {
			dropped = true
			continue
		}
		out = append(out, step)
	}
	return out
}

// KeepForced retains only steps with FORCE priority.
func (l SourceList) KeepForced() SourceList {
	out := make(SourceList, 0, len(l))
	for _, step := range l {
		if step.Priority == PriorityForce {
			out = append(out, step)
		}
	}
	return out
}

// QueueEntry is a pending instruction to try one or more sources for a
// reference. Created by the gap detector or the daily ingestor, advanced only
// by the drainer, deleted once its source list is empty.
type QueueEntry struct {
	QueueID int64
	Reference
	Sources     SourceList // nil = default source list not yet assigned
	OnConflict  OnConflict
	TimeCreated time.Time
}

// QueueCandidate is a queue entry whose head source equals the drainer's
// current source, augmented with aggregates counted from the request table.
// The counts join on any identifier equality and are upper bounds; they drive
// the on-conflict policy, not correctness.
type QueueCandidate struct {
	QueueEntry
	Source   SourceTag
	Priority Priority

	NumHasRequest  int
	NumHasAbstract int
	NumHasTitle    int
	NumHasRaw      int

	NumHasSourceRequest  int
	NumHasSourceAbstract int
	NumHasSourceTitle    int
	NumHasSourceRaw      int
}

// ShouldFetch applies the on-conflict decision table for one candidate.
func (c *QueueCandidate) ShouldFetch() bool {
	switch {
	case c.Priority == PriorityForce:
		return true
	case c.OnConflict == ConflictForce:
		return true
	case c.OnConflict == ConflictRetryAbstract && c.NumHasAbstract == 0:
		return true
	case c.OnConflict == ConflictRetryRaw && c.NumHasSourceRaw == 0:
		return true
	case c.OnConflict == ConflictDoNothing && c.NumHasSourceRequest == 0:
		return true
	}
	return false
}
