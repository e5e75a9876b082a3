package voice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
)

var (
	// ErrParse is returned when the input is not valid JSON.
	ErrParse = errors.New("voice catalog is not valid json")
	// ErrStructure is returned when the document is not a locale -> voices mapping.
	ErrStructure = errors.New("voice catalog has unexpected structure")
	// ErrEmpty is returned when the document holds no voices at all.
	ErrEmpty = errors.New("voice catalog is empty")
)

type attributeSetter func(*Record, json.RawMessage) error

// attributes maps every recognised JSON attribute to the record field it fills.
var attributes = map[string]attributeSetter{
	"name": func(r *Record, raw json.RawMessage) error {
		return decodeString(raw, &r.Name)
	},
	"locale": func(r *Record, raw json.RawMessage) error {
		return decodeString(raw, &r.Locale)
	},
	"gender": func(r *Record, raw json.RawMessage) error {
		return decodeString(raw, &r.Gender)
	},
	"styles": func(r *Record, raw json.RawMessage) error {
		var styles []string
		if err := json.Unmarshal(raw, &styles); err != nil {
			return err
		}
		if styles != nil {
			r.Styles = styles
		}
		return nil
	},
}

// requiredAttributes is the order in which missing attributes are reported.
var requiredAttributes = []string{"name", "locale", "gender", "styles"}

func decodeString(raw json.RawMessage, target *string) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	*target = s
	return nil
}

// Decode converts a locale -> []voice JSON document into records, keeping
// document order. Problems with individual entries are returned as warnings.
func Decode(text string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	data := []byte(text)
	if !json.Valid(data) {
		return Result{}, ErrParse
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Result{}, fmt.Errorf("%w: top level must be an object of locales", ErrStructure)
	}

	var (
		result  Result
		locales int
	)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		locale, _ := keyTok.(string)
		locales++

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		var entries []json.RawMessage
		if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) || json.Unmarshal(raw, &entries) != nil {
			return Result{}, fmt.Errorf("%w: locale %q must map to an array", ErrStructure, locale)
		}
		for i, entry := range entries {
			record, warnings, ok := decodeEntry(locale, i, entry)
			result.Warnings = append(result.Warnings, warnings...)
			if ok {
				result.Records = append(result.Records, record)
			}
		}
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if locales == 0 {
		return Result{}, fmt.Errorf("%w: %w: no locales", ErrStructure, ErrEmpty)
	}
	if len(result.Records) == 0 {
		return Result{}, fmt.Errorf("%w: %d locales without voices", ErrEmpty, locales)
	}

	for _, w := range result.Warnings {
		logger.Warn("voice decode warning", slog.String("detail", w.String()))
	}
	for _, r := range result.Records {
		logger.Debug("voice decoded",
			slog.String("name", r.Name),
			slog.String("locale", r.Locale),
			slog.String("gender", r.Gender),
			slog.Int("styles", len(r.Styles)))
	}
	return result, nil
}

func decodeEntry(locale string, index int, raw json.RawMessage) (Record, []Warning, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Record{}, []Warning{{Locale: locale, Index: index, Message: "entry is not an object, skipped"}}, false
	}

	record := Record{Styles: []string{}}
	var warnings []Warning
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		value := fields[key]
		set, ok := attributes[key]
		if !ok {
			warnings = append(warnings, Warning{Locale: locale, Index: index, Attribute: key, Message: "unknown attribute"})
			continue
		}
		if err := set(&record, value); err != nil {
			warnings = append(warnings, Warning{Locale: locale, Index: index, Attribute: key, Message: "invalid value: " + err.Error()})
		}
	}
	for _, key := range requiredAttributes {
		if _, ok := fields[key]; !ok {
			warnings = append(warnings, Warning{Locale: locale, Index: index, Attribute: key, Message: "missing attribute"})
		}
	}
	return record, warnings, true
}
