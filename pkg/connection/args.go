package connection

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pthm/strata"
)

// Direction is a sort direction.
type Direction string

const (
	ASC  Direction = "ASC"
	DESC Direction = "DESC"
)

// Order sorts a connection by Fields, all in Direction. The identity field is
// appended as a tiebreaker.
type Order struct {
	Fields    []string  `json:"fields"`
	Direction Direction `json:"direction,omitempty"`
}

// Args are the pagination arguments of a connection request.
type Args struct {
	First  *int           `json:"first,omitempty"`
	Last   *int           `json:"last,omitempty"`
	After  *string        `json:"after,omitempty"`
	Before *string        `json:"before,omitempty"`
	Skip   int            `json:"skip,omitempty"`
	Filter map[string]any `json:"filter,omitempty"`
	Order  *Order         `json:"order,omitempty"`
}

// Config bounds page sizes.
type Config struct {
	// DefaultLimit applies when neither first nor last is given.
	DefaultLimit int
	// MaxLimit is the largest page a request may ask for.
	MaxLimit int
}

// DefaultConfig returns the default page bounds.
func DefaultConfig() Config {
	return Config{DefaultLimit: 100, MaxLimit: 1000}
}

// window is the validated form of Args.
type window struct {
	limit    int
	skip     int
	backward bool
	// after and before hold decoded cursor ids.
	after  string
	before string
	desc   bool
	fields []string
}

// key identifies args that can share one statement.
func (a Args) key() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", strata.NewUserInputError([]string{"filter"}, "connection arguments are not serializable: %v", err)
	}
	return string(data), nil
}

func (a Args) window(cfg Config) (window, error) {
	var w window
	if a.First != nil && a.Last != nil {
		return w, strata.NewUserInputError([]string{"first", "last"}, "first and last cannot be combined")
	}
	if a.After != nil && a.Before != nil {
		return w, strata.NewUserInputError([]string{"after", "before"}, "after and before cannot be combined")
	}
	if a.Skip < 0 {
		return w, strata.NewUserInputError([]string{"skip"}, "skip must not be negative")
	}
	if a.Skip > 0 && a.After != nil {
		return w, strata.NewUserInputError([]string{"after", "skip"}, "skip cannot be combined with a cursor")
	}
	if a.Skip > 0 && a.Before != nil {
		return w, strata.NewUserInputError([]string{"before", "skip"}, "skip cannot be combined with a cursor")
	}

	w.limit = cfg.DefaultLimit
	switch {
	case a.First != nil:
		w.limit = *a.First
		if w.limit < 0 {
			return w, strata.NewUserInputError([]string{"first"}, "first must not be negative")
		}
	case a.Last != nil:
		w.limit = *a.Last
		if w.limit < 0 {
			return w, strata.NewUserInputError([]string{"last"}, "last must not be negative")
		}
		w.backward = true
	case a.Before != nil:
		w.backward = true
	}
	if cfg.MaxLimit > 0 && w.limit > cfg.MaxLimit {
		key := "first"
		if a.Last != nil {
			key = "last"
		}
		return w, strata.NewUserInputError([]string{key}, "page size %d exceeds the maximum of %d", w.limit, cfg.MaxLimit)
	}
	w.skip = a.Skip

	var err error
	if a.After != nil {
		if w.after, err = DecodeCursor(*a.After); err != nil {
			return w, strata.NewUserInputError([]string{"after"}, "invalid cursor")
		}
	}
	if a.Before != nil {
		if w.before, err = DecodeCursor(*a.Before); err != nil {
			return w, strata.NewUserInputError([]string{"before"}, "invalid cursor")
		}
	}

	if a.Order != nil {
		switch a.Order.Direction {
		case "", ASC:
		case DESC:
			w.desc = true
		default:
			return w, strata.NewUserInputError([]string{"order"}, "unknown sort direction %q", a.Order.Direction)
		}
		w.fields = append(w.fields, a.Order.Fields...)
	}
	return w, nil
}

// fetchDesc reports whether rows are fetched in descending order. Backward
// pages are fetched in reverse and flipped afterwards.
func (w window) fetchDesc() bool {
	return w.desc != w.backward
}

const cursorPrefix = "cursor:"

// EncodeCursor returns the opaque cursor of a node id.
func EncodeCursor(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(cursorPrefix + id))
}

// DecodeCursor returns the node id of a cursor.
func DecodeCursor(cursor string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	id, ok := strings.CutPrefix(string(data), cursorPrefix)
	if !ok || id == "" {
		return "", strata.ErrUserInput
	}
	return id, nil
}
