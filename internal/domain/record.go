package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ID is an identifier the service may encode as either a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = ID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

// Timestamp is a message time the service may send as a date string or as
// a Unix epoch number in seconds or milliseconds.
type Timestamp string

// UnmarshalJSON accepts strings, numbers and null.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*ts = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*ts = Timestamp(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*ts = Timestamp(n.String())
	return nil
}

// epochMillisAbove separates epoch seconds from epoch milliseconds.
const epochMillisAbove = 1e11

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// Time parses ts, returning the zero time when it cannot be read.
func (ts Timestamp) Time() time.Time {
	if ts == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, string(ts)); err == nil {
			return t
		}
	}
	f, err := strconv.ParseFloat(string(ts), 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	if f >= epochMillisAbove {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

// Record is a chat message as the service encodes it, both in stored
// history and in live new_message events.
type Record struct {
	ID          ID        `json:"id"`
	Content     string    `json:"-"`
	OwnID       ID        `json:"own_id"`
	RecipientID ID        `json:"recipient_id"`
	SenderTag   string    `json:"sender_tag,omitempty"`
	Timestamp   Timestamp `json:"timestamp,omitempty"`
}

// UnmarshalJSON reads the body from message_content, falling back to content.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		MessageContent string `json:"message_content"`
		Content        string `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	r.Content = aux.MessageContent
	if r.Content == "" {
		r.Content = aux.Content
	}
	return nil
}

// Time parses the record timestamp. Records without a parseable timestamp
// return the zero time.
func (r Record) Time() time.Time {
	return r.Timestamp.Time()
}
