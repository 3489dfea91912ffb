package loki

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/types"
)

// PushRequest is the body of a push to /loki/api/v1/push
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is one label set and its [timestamp, line] pairs
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type entry struct {
	ns   int64
	ts   string
	line string
}

type group struct {
	labels  types.LabelSet
	entries []entry
}

// BuildPayload groups records by label set. Streams appear in the order their
// label set was first seen in the batch. Values within a stream are stable
// sorted by timestamp unless PreserveOrder is set.
func (c *Client) BuildPayload(records []types.Record) (PushRequest, error) {
	// LabelSet is comparable, so the struct itself is the grouping key
	index := make(map[types.LabelSet]int)
	var groups []*group

	for _, rec := range records {
		labels := rec.Labels()

		i, ok := index[labels]
		if !ok {
			i = len(groups)
			index[labels] = i
			groups = append(groups, &group{labels: labels})
		}

		line, err := json.Marshal(rec)
		if err != nil {
			return PushRequest{}, fmt.Errorf("failed to encode record: %w", err)
		}

		ns, ts := c.streamTimestamp(rec.Timestamp)
		groups[i].entries = append(groups[i].entries, entry{ns: ns, ts: ts, line: string(line)})
	}

	req := PushRequest{Streams: make([]Stream, 0, len(groups))}
	for _, g := range groups {
		if !c.preserveOrder {
			slices.SortStableFunc(g.entries, func(a, b entry) int {
				switch {
				case a.ns < b.ns:
					return -1
				case a.ns > b.ns:
					return 1
				}
				return 0
			})
		}

		values := make([][2]string, 0, len(g.entries))
		for _, e := range g.entries {
			values = append(values, [2]string{e.ts, e.line})
		}
		req.Streams = append(req.Streams, Stream{Stream: g.labels.Map(), Values: values})
	}

	return req, nil
}

// streamTimestamp resolves the nanosecond timestamp sent alongside a line.
// Decimal strings pass through, RFC 3339 is converted, anything else uses
// the current time.
func (c *Client) streamTimestamp(raw string) (int64, string) {
	if raw != "" {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil && ns >= 0 {
			return ns, raw
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ns := t.UnixNano()
			return ns, strconv.FormatInt(ns, 10)
		}
	}
	ns := c.now().UnixNano()
	return ns, strconv.FormatInt(ns, 10)
}
