package delivery

import (
	"fmt"
	"reflect"
	"time"
)

// TimeLayout is ISO-8601 with microsecond precision.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// ToEvent accepts any map keyed by strings and returns it as an Event.
func ToEvent(data any) (Event, error) {
	switch v := data.(type) {
	case Event:
		if v != nil {
			return v, nil
		}
	case map[string]any:
		if v != nil {
			return Event(v), nil
		}
	case nil:
		return nil, fmt.Errorf("%w: data must be a map, got nil", ErrInvalidArgument)
	}

	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: data must be a map with string keys, got %T", ErrInvalidArgument, data)
	}
	if rv.IsNil() {
		return nil, fmt.Errorf("%w: data must be a map, got nil %T", ErrInvalidArgument, data)
	}

	event := make(Event, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		event[iter.Key().String()] = iter.Value().Interface()
	}
	return event, nil
}

// IsoifyDates returns a copy of event with every time value formatted as TimeLayout.
// Nested maps and slices are walked as well.
func IsoifyDates(event Event) Event {
	out := make(Event, len(event))
	for k, v := range event {
		out[k] = isoify(v)
	}
	return out
}

func isoify(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(TimeLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Format(TimeLayout)
	case Event:
		return IsoifyDates(t)
	case map[string]any:
		return map[string]any(IsoifyDates(Event(t)))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = isoify(item)
		}
		return out
	default:
		return v
	}
}
