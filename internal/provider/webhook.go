package provider

import (
	"encoding/json"
	"strconv"
)

// refKeys are the fields a webhook event may carry an order reference in,
// in lookup priority order. referenceId is our own id echoed back; the rest
// are provider-side identifiers.
var refKeys = []string{"referenceId", "orderId", "captureRequestId", "jobId", "reportId", "id"}

// ExtractRefs pulls every plausible order reference out of a webhook event.
// Keys match case-insensitively and numeric ids are stringified, so events of
// any schema vintage yield their references. Order follows refKeys; duplicates
// are dropped.
func ExtractRefs(event json.RawMessage) []string {
	fields, err := decodeLooseJSON(event)
	if err != nil {
		return nil
	}

	var refs []string
	seen := map[string]struct{}{}
	for _, key := range refKeys {
		v, ok := fields.lookup(key)
		if !ok {
			continue
		}
		var ref string
		switch id := v.(type) {
		case string:
			ref = id
		case float64:
			ref = strconv.FormatFloat(id, 'f', -1, 64)
		}
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}
