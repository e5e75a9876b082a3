package voice

import (
	"bytes"
	"encoding/json"
)

type wireVoice struct {
	Name   string   `json:"name"`
	Locale string   `json:"locale"`
	Gender string   `json:"gender"`
	Styles []string `json:"styles"`
}

type localeRun struct {
	locale string
	voices []wireVoice
}

// Encode renders records as a locale -> []voice document accepted by Decode.
// Each run of consecutive records sharing a locale becomes one key, so a
// locale may repeat and Decode returns the records in their original order.
func Encode(records []Record) (string, error) {
	var runs []localeRun
	for _, r := range records {
		if len(runs) == 0 || runs[len(runs)-1].locale != r.Locale {
			runs = append(runs, localeRun{locale: r.Locale})
		}
		styles := r.Styles
		if styles == nil {
			styles = []string{}
		}
		last := &runs[len(runs)-1]
		last.voices = append(last.voices, wireVoice{
			Name:   r.Name,
			Locale: r.Locale,
			Gender: r.Gender,
			Styles: styles,
		})
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, run := range runs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(run.locale)
		if err != nil {
			return "", err
		}
		value, err := json.Marshal(run.voices)
		if err != nil {
			return "", err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}
