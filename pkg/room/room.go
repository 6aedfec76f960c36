// Package room derives content ids and broadcast room names from wave and blip ids.
package room

import "strings"

const (
	docPrefix  = "doc:"
	wavePrefix = "wave:"
	blipInfix  = ":blip:"
)

// ContentID composes the id of a CRDT document. A blip id alone is used as-is, a wave id
// alone identifies the wave-level document.
func ContentID(waveID, blipID string) string {
	switch {
	case waveID == "":
		return blipID
	case blipID == "":
		return waveID
	default:
		return waveID + ":" + blipID
	}
}

// Doc is the room carrying content updates for one document.
func Doc(docID string) string {
	return docPrefix + docID
}

// Presence is the room for occupancy of a wave, or of one blip within it.
func Presence(waveID, blipID string) string {
	if blipID == "" {
		return wavePrefix + waveID
	}
	return wavePrefix + waveID + blipInfix + blipID
}

// Parse recovers the wave and blip ids of a presence room. ok is false for anything that
// is not a presence room.
func Parse(name string) (waveID, blipID string, ok bool) {
	rest, found := strings.CutPrefix(name, wavePrefix)
	if !found || rest == "" {
		return "", "", false
	}
	if wave, blip, hasBlip := strings.Cut(rest, blipInfix); hasBlip {
		if wave == "" || blip == "" {
			return "", "", false
		}
		return wave, blip, true
	}
	return rest, "", true
}

// IsDoc reports whether name is a document room.
func IsDoc(name string) bool {
	return strings.HasPrefix(name, docPrefix) && len(name) > len(docPrefix)
}
