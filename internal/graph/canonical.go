package graph

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canonicalize renders g as the deterministic byte representation
// used for state hashing: lexicographically sorted object keys, no
// insignificant whitespace, UTF-8. Go's encoding/json already sorts
// map[string]T keys and emits no indentation by default; the one gap is
// that our top-level Apps map is keyed by int, which json encodes as a
// quoted decimal string already in ascending lexical-of-decimal order for
// the ranges this system uses, so no extra reordering step is needed
// beyond running the result through compact to strip any whitespace a
// future encoder might introduce.
func Canonicalize(g DeviceGraph) ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return compact(raw)
}

func compact(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 digest of the canonical form of g,
// the digest StateSnapshot rows carry.
func Hash(g DeviceGraph) (string, error) {
	canon, err := Canonicalize(g)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes an already-canonicalized payload, used by the state
// store when re-hashing a payload loaded from disk without needing to
// round-trip it back through a DeviceGraph.
func HashBytes(canon []byte) string {
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// sortedIntKeys is used by anything that needs to range over Apps in a
// deterministic, human-stable order (diagnostics, plan ordering ties).
func sortedIntKeys(m map[int]App) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// SortedApps returns the apps in g ordered by ascending AppID.
func (g DeviceGraph) SortedApps() []App {
	keys := sortedIntKeys(g.Apps)
	apps := make([]App, 0, len(keys))
	for _, k := range keys {
		apps = append(apps, g.Apps[k])
	}
	return apps
}
