package cache

import "encoding/json"

// encodeEntry/decodeEntry serialize an Entry to the bytes a Backend
// stores. JSON, not the binary MessagePack format this cache's
// ancestor used — see DESIGN.md: the persisted document this proxy
// exposes (cache-data.json) is itself specified as JSON, so there is
// no second wire format to generate code for.
func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
