package amap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// envelope holds the status fields shared by every Amap response. v3 APIs
// report status "1" on success; the v4 bicycling API reports errcode 0.
type envelope struct {
	Status   json.RawMessage `json:"status"`
	Info     string          `json:"info"`
	Infocode string          `json:"infocode"`
	Errcode  *int            `json:"errcode"`
	Errmsg   string          `json:"errmsg"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}

func (e *envelope) ok(v4 bool) bool {
	if v4 {
		return e.Errcode == nil || *e.Errcode == 0
	}
	return e.status() == "1"
}

// status renders the status field the way it is compared, accepting both
// "1" and 1.
func (e *envelope) status() string {
	raw := bytes.TrimSpace(e.Status)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func (e *envelope) reason() string {
	switch {
	case e.Info != "":
		return e.Info
	case e.Infocode != "":
		return e.Infocode
	case e.Errmsg != "":
		return e.Errmsg
	case e.Errcode != nil:
		return "errcode " + strconv.Itoa(*e.Errcode)
	default:
		return "unknown error"
	}
}
