package affiliate

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FlexString decodes a JSON string or number into its string form. The
// affiliate API is inconsistent about quoting codes and uids.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Envelope is the common response wrapper of the affiliate API.
type Envelope struct {
	Code FlexString      `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Success reports whether the envelope code is 0 or 200.
func (e *Envelope) Success() bool {
	code, err := strconv.Atoi(strings.TrimSpace(string(e.Code)))
	if err != nil {
		return false
	}
	return code == 0 || code == 200
}

// HasData reports whether data is present and not null or empty.
func (e *Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null")) && !bytes.Equal(d, []byte("[]"))
}

// Invitee is one user registered through the affiliate link.
type Invitee struct {
	UID                FlexString `json:"uid"`
	RegisterTime       FlexString `json:"registerTime"`
	TotalTradingVolume FlexString `json:"totalTradingVolume"`
}

// InviteeQuery filters the invitees endpoint. Zero fields are omitted.
type InviteeQuery struct {
	UID   string
	Limit int
	Begin time.Time
	End   time.Time
}

// InviteesResult is the decoded invitees response.
type InviteesResult struct {
	Invitees []Invitee
}

// Contains reports whether any invitee uid equals id exactly.
func (r *InviteesResult) Contains(id string) bool {
	for _, inv := range r.Invitees {
		if string(inv.UID) == id {
			return true
		}
	}
	return false
}

// BasicInfo is the affiliate account summary.
type BasicInfo struct {
	UID             FlexString `json:"uid"`
	CommissionRate  FlexString `json:"commissionRate"`
	TotalCommission FlexString `json:"totalCommission"`
}
