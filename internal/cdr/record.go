package cdr

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
)

// Value is an optional scalar copied out of a CDR payload. Fields missing
// from the source stay unknown and encode as JSON null.
type Value struct {
	raw   string
	known bool
}

// Known wraps a present value.
func Known(raw string) Value {
	return Value{raw: raw, known: true}
}

// IsKnown reports whether the source carried the field.
func (v Value) IsKnown() bool {
	return v.known
}

// String returns the raw value, or "" when unknown.
func (v Value) String() string {
	return v.raw
}

// Int parses the value as an integer.
func (v Value) Int() (int, bool) {
	if !v.known {
		return 0, false
	}
	raw := strings.TrimSpace(v.raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f), true
	}
	return 0, false
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.known {
		return []byte("null"), nil
	}
	return json.Marshal(v.raw)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Known(s)
		return nil
	}
	*v = Known(string(data))
	return nil
}

// Record is the backend-agnostic projection of one CDR listing row.
type Record struct {
	ID                 Value `json:"ID"`
	CDRID              Value `json:"cdr_ID"`
	CallDate           Value `json:"calldate"`
	CallEnd            Value `json:"callend"`
	Duration           Value `json:"duration"`
	ConnectDuration    Value `json:"connect_duration"`
	Caller             Value `json:"caller"`
	CallerDomain       Value `json:"caller_domain"`
	Called             Value `json:"called"`
	CalledDomain       Value `json:"called_domain"`
	SIPCallerIP        Value `json:"sipcallerip"`
	SIPCallerPort      Value `json:"sipcallerport"`
	SIPCalledIP        Value `json:"sipcalledip"`
	SIPCalledPort      Value `json:"sipcalledport"`
	SensorName         Value `json:"sensorname"`
	WhoHanged          Value `json:"whohanged"`
	LastSIPResponseNum Value `json:"lastSIPresponseNum"`
	LastSIPResponse    Value `json:"lastSIPresponse"`
	ReasonQ850Cause    Value `json:"reason_q850_cause"`
	ReasonSIPCause     Value `json:"reason_sip_cause"`
	Lost               Value `json:"lost"`
	Jitter             Value `json:"jitter"`
	MOSMin             Value `json:"mos_min"`
	PacketLossPerc     Value `json:"packet_loss_perc"`
	ACodec             Value `json:"a_codec"`
	BCodec             Value `json:"b_codec"`
	AUserAgent         Value `json:"a_ua"`
	BUserAgent         Value `json:"b_ua"`
	FBaseName          Value `json:"fbasename"`
}

// DurationSeconds returns the call duration when the record carries one.
func (r Record) DurationSeconds() (int, bool) {
	return r.Duration.Int()
}

// Identifier returns the row id used for SIP history lookups.
func (r Record) Identifier() string {
	if r.ID.IsKnown() && r.ID.String() != "" {
		return r.ID.String()
	}
	return r.CDRID.String()
}

// Field is one named record value in display order.
type Field struct {
	Name  string
	Value Value
}

// SummaryFields lists the values rendered in trace annotations.
func (r Record) SummaryFields() []Field {
	return []Field{
		{Name: "ID", Value: r.ID},
		{Name: "calldate", Value: r.CallDate},
		{Name: "callend", Value: r.CallEnd},
		{Name: "duration", Value: r.Duration},
		{Name: "caller", Value: r.Caller},
		{Name: "called", Value: r.Called},
		{Name: "sipcallerip", Value: r.SIPCallerIP},
		{Name: "sipcalledip", Value: r.SIPCalledIP},
		{Name: "whohanged", Value: r.WhoHanged},
		{Name: "lastSIPresponseNum", Value: r.LastSIPResponseNum},
		{Name: "lost", Value: r.Lost},
		{Name: "jitter", Value: r.Jitter},
		{Name: "mos_min", Value: r.MOSMin},
		{Name: "packet_loss_perc", Value: r.PacketLossPerc},
		{Name: "a_codec", Value: r.ACodec},
		{Name: "b_codec", Value: r.BCodec},
	}
}

func recordFromJSON(v *fastjson.Value) Record {
	return Record{
		ID:                 scalar(v, "ID"),
		CDRID:              firstKnown(scalar(v, "cdr_ID"), scalar(v, "ID")),
		CallDate:           scalar(v, "calldate"),
		CallEnd:            scalar(v, "callend"),
		Duration:           scalar(v, "duration"),
		ConnectDuration:    firstKnown(scalar(v, "connect_duration"), scalar(v, "_connect_duration")),
		Caller:             scalar(v, "caller"),
		CallerDomain:       scalar(v, "caller_domain"),
		Called:             scalar(v, "called"),
		CalledDomain:       scalar(v, "called_domain"),
		SIPCallerIP:        scalar(v, "sipcallerip"),
		SIPCallerPort:      scalar(v, "sipcallerport"),
		SIPCalledIP:        scalar(v, "sipcalledip"),
		SIPCalledPort:      scalar(v, "sipcalledport"),
		SensorName:         scalar(v, "sensorname"),
		WhoHanged:          scalar(v, "whohanged"),
		LastSIPResponseNum: scalar(v, "lastSIPresponseNum"),
		LastSIPResponse:    firstKnown(scalar(v, "lastSIPresponse"), scalar(v, "sipresponse")),
		ReasonQ850Cause:    scalar(v, "reason_q850_cause"),
		ReasonSIPCause:     scalar(v, "reason_sip_cause"),
		Lost:               scalar(v, "lost"),
		Jitter:             scalar(v, "jitter"),
		MOSMin:             scalar(v, "mos_min"),
		PacketLossPerc:     scalar(v, "packet_loss_perc"),
		ACodec:             scalar(v, "a_codec"),
		BCodec:             scalar(v, "b_codec"),
		AUserAgent:         scalar(v, "a_ua"),
		BUserAgent:         scalar(v, "b_ua"),
		FBaseName:          firstKnown(scalar(v, "fbasename"), scalar(v, "fbasename_orig")),
	}
}

// scalar copies a string, number or boolean field. Objects, arrays, null
// and missing keys are unknown.
func scalar(v *fastjson.Value, key string) Value {
	field := v.Get(key)
	if field == nil {
		return Value{}
	}
	switch field.Type() {
	case fastjson.TypeString:
		return Known(string(field.GetStringBytes()))
	case fastjson.TypeNumber:
		return Known(string(field.MarshalTo(nil)))
	case fastjson.TypeTrue:
		return Known("true")
	case fastjson.TypeFalse:
		return Known("false")
	default:
		return Value{}
	}
}

func firstKnown(values ...Value) Value {
	for _, v := range values {
		if v.IsKnown() {
			return v
		}
	}
	return Value{}
}
