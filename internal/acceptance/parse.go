package acceptance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-lpccan/internal/can"
)

// ParseEntries parses a comma separated filter list. Each item has the form
// channel:kind:id or channel:kind:lo-hi for range kinds, optionally followed by
// ":disabled" for fullcan and std entries. Channels are can1 or can2; kinds are
// fullcan, std, stdrange, ext and extrange. Identifiers accept any strconv base
// prefix. An empty list yields no entries.
func ParseEntries(s string) ([]Entry, error) {
	var out []Entry
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		e, err := ParseEntry(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseEntry parses a single item of a filter list.
func ParseEntry(s string) (Entry, error) {
	parts := strings.Split(strings.ToLower(s), ":")
	if len(parts) < 3 || len(parts) > 4 {
		return Entry{}, fmt.Errorf("%w: filter %q", ErrInvalidArgument, s)
	}
	var e Entry
	switch parts[0] {
	case "can1", "1":
		e.Channel = can.CAN1
	case "can2", "2":
		e.Channel = can.CAN2
	default:
		return Entry{}, fmt.Errorf("%w: channel %q", ErrInvalidArgument, parts[0])
	}
	e.Kind = -1
	for k, name := range kindNames {
		if name == parts[1] {
			e.Kind = Kind(k)
		}
	}
	if !e.Kind.valid() {
		return Entry{}, fmt.Errorf("%w: kind %q", ErrInvalidArgument, parts[1])
	}
	if e.Kind.ranged() {
		lo, hi, ok := strings.Cut(parts[2], "-")
		if !ok {
			return Entry{}, fmt.Errorf("%w: range %q", ErrInvalidArgument, parts[2])
		}
		var err error
		if e.ID, err = parseID(lo); err != nil {
			return Entry{}, err
		}
		if e.End, err = parseID(hi); err != nil {
			return Entry{}, err
		}
	} else {
		id, err := parseID(parts[2])
		if err != nil {
			return Entry{}, err
		}
		e.ID = id
	}
	if len(parts) == 4 {
		if parts[3] != "disabled" || !e.Kind.packed() {
			return Entry{}, fmt.Errorf("%w: flag %q", ErrInvalidArgument, parts[3])
		}
		e.Disabled = true
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: identifier %q", ErrInvalidArgument, s)
	}
	return uint32(v), nil
}
