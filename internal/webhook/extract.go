package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

// pixReceived is the status implied by an entry of the Pix "pix" array, which
// the provider only sends once the transfer has settled.
const pixReceived = "CONCLUIDA"

// Notification is one (payment ref, raw status) pair found in a callback.
type Notification struct {
	Ref    string
	Status string
}

// Card callbacks come in several envelopes; the first non-empty path wins.
var (
	chargeIDPaths = [][]string{
		{"charge_id"},
		{"chargeId"},
		{"data", "charge_id"},
		{"identifiers", "charge_id"},
		{"charge", "id"},
		{"data", "charge", "id"},
		{"payment", "charge_id"},
	}
	statusPaths = [][]string{
		{"status"},
		{"data", "status"},
		{"payment", "status"},
		{"charge", "status"},
		{"data", "charge", "status"},
		{"transaction", "status"},
	}
)

// Extract reads the Pix shapes {txid,status} and {pix:[{txid,...}]} and the
// card shapes that carry a charge id at any of chargeIDPaths.
func Extract(body []byte) ([]Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if out := pixEntries(root["pix"]); len(out) > 0 {
		return out, nil
	}

	status := first(root, statusPaths)
	if txid := scalar(root["txid"]); txid != "" {
		return []Notification{{Ref: txid, Status: status}}, nil
	}
	if ref := first(root, chargeIDPaths); ref != "" {
		return []Notification{{Ref: ref, Status: status}}, nil
	}
	return nil, fmt.Errorf("%w: no payment reference", ErrInvalidPayload)
}

func pixEntries(v any) []Notification {
	list, _ := v.([]any)
	var out []Notification
	for _, e := range list {
		m, _ := e.(map[string]any)
		txid := scalar(m["txid"])
		if txid == "" {
			continue
		}
		st := statusString(m["status"])
		if st == "" {
			st = pixReceived
		}
		out = append(out, Notification{Ref: txid, Status: st})
	}
	return out
}

func first(root map[string]any, paths [][]string) string {
	for _, p := range paths {
		if s := statusString(lookup(root, p)); s != "" {
			return s
		}
	}
	return ""
}

func lookup(root map[string]any, path []string) any {
	var cur any = root
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

// statusString accepts a bare value or the card shape {"current": "..."}.
func statusString(v any) string {
	if m, ok := v.(map[string]any); ok {
		return scalar(m["current"])
	}
	return scalar(v)
}

// scalar renders JSON strings and numbers; charge ids arrive as either.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
