package rollout

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

const (
	fieldSeparator = "|"
	listSeparator  = ","
)

// bucketScale maps a 32-bit hash onto [0,100].
const bucketScale = float64(math.MaxUint32) / 100

// GroupMatcher resolves a group name to its membership test for a user.
// *Rollout implements it.
type GroupMatcher interface {
	ActiveInGroup(group, user string) bool
}

// Feature is the persisted state of a single feature toggle.
// A Feature is decoded fresh from the store on every read and is never cached.
type Feature struct {
	name       string
	percentage float64
	users      map[string]struct{}
	groups     map[string]struct{}
	data       map[string]any
}

// NewFeature decodes a feature from its persisted representation.
// An empty raw string yields the default state: percentage 0, no users,
// no groups and empty data.
func NewFeature(name, raw string) (*Feature, error) {
	f := &Feature{
		name:   name,
		users:  make(map[string]struct{}),
		groups: make(map[string]struct{}),
		data:   make(map[string]any),
	}
	if raw == "" {
		return f, nil
	}

	// Data is the last field and may itself contain the separator.
	parts := strings.SplitN(raw, fieldSeparator, 4)

	if p := parts[0]; p != "" {
		pct, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Join(ErrCorruptRecord, fmt.Errorf("feature %q: percentage %q: %w", name, p, err))
		}
		f.percentage = pct
	}
	if len(parts) > 1 {
		addAll(f.users, splitList(parts[1]))
	}
	if len(parts) > 2 {
		addAll(f.groups, splitList(parts[2]))
	}
	if len(parts) > 3 && parts[3] != "" {
		var data map[string]any
		if err := decodeJSON(parts[3], &data); err != nil {
			return nil, errors.Join(ErrCorruptRecord, fmt.Errorf("feature %q: data: %w", name, err))
		}
		if data != nil {
			f.data = data
		}
	}

	return f, nil
}

// Name returns the feature name.
func (f *Feature) Name() string { return f.name }

// Percentage returns the share of users admitted by bucketing.
func (f *Feature) Percentage() float64 { return f.percentage }

// Users returns the explicitly activated users in sorted order.
func (f *Feature) Users() []string { return sortedKeys(f.users) }

// Groups returns the activated group names in sorted order.
func (f *Feature) Groups() []string { return sortedKeys(f.groups) }

// Data returns a deep copy of the feature metadata.
func (f *Feature) Data() map[string]any { return cloneMap(f.data) }

// Serialize encodes the feature into its persisted representation.
// It fails only when data holds a value that has no JSON encoding.
func (f *Feature) Serialize() (string, error) {
	data, err := json.Marshal(f.data)
	if err != nil {
		return "", fmt.Errorf("feature %q: encode data: %w", f.name, err)
	}
	return strings.Join([]string{
		strconv.FormatFloat(f.percentage, 'f', -1, 64),
		strings.Join(f.Users(), listSeparator),
		strings.Join(f.Groups(), listSeparator),
		string(data),
	}, fieldSeparator), nil
}

// SetPercentage replaces the rollout percentage.
func (f *Feature) SetPercentage(p float64) { f.percentage = p }

// Clear deactivates the feature for everyone. Data is kept.
func (f *Feature) Clear() {
	f.percentage = 0
	clear(f.users)
	clear(f.groups)
}

func (f *Feature) AddGroup(group string)    { f.groups[group] = struct{}{} }
func (f *Feature) RemoveGroup(group string) { delete(f.groups, group) }
func (f *Feature) AddUser(user string)      { f.users[user] = struct{}{} }
func (f *Feature) RemoveUser(user string)   { delete(f.users, user) }

// SetUsers replaces the explicit user list wholesale.
func (f *Feature) SetUsers(users []string) {
	clear(f.users)
	addAll(f.users, users)
}

// MergeData shallow-merges data into the feature metadata, overwriting existing keys.
// Values are stored in their decoded JSON form, numbers as json.Number, so the
// in-memory state matches what a reload from the store yields. A nil map is a no-op.
func (f *Feature) MergeData(data map[string]any) {
	if data == nil {
		return
	}
	for k, v := range data {
		f.data[k] = normalizeValue(v)
	}
}

// ClearData drops all metadata.
func (f *Feature) ClearData() { f.data = make(map[string]any) }

// Active reports whether the feature is on for user.
// The empty user is anonymous and only sees features rolled out to 100%.
func (f *Feature) Active(groups GroupMatcher, user string) bool {
	if user == "" {
		return f.percentage >= 100
	}
	return f.UserInActiveUsers(user) ||
		f.userInActiveGroup(groups, user) ||
		f.userWithinPercentage(user)
}

// UserInActiveUsers reports whether user was explicitly activated,
// ignoring groups and percentage.
func (f *Feature) UserInActiveUsers(user string) bool {
	_, ok := f.users[user]
	return ok
}

func (f *Feature) userInActiveGroup(groups GroupMatcher, user string) bool {
	if groups == nil {
		return false
	}
	for g := range f.groups {
		if groups.ActiveInGroup(g, user) {
			return true
		}
	}
	return false
}

func (f *Feature) userWithinPercentage(user string) bool {
	return bucket(f.name, user) < f.percentage
}

// bucket places a (feature, user) pair at a stable position in [0,100].
func bucket(name, user string) float64 {
	return float64(crc32.ChecksumIEEE([]byte(name+user))) / bucketScale
}

// Clone returns a deep copy of the feature. Cloning nil yields nil.
func (f *Feature) Clone() *Feature {
	if f == nil {
		return nil
	}
	return &Feature{
		name:       f.name,
		percentage: f.percentage,
		users:      maps.Clone(f.users),
		groups:     maps.Clone(f.groups),
		data:       cloneMap(f.data),
	}
}

// MarshalJSON renders the feature as an object for display and event payloads.
func (f *Feature) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name       string         `json:"name"`
		Percentage float64        `json:"percentage"`
		Users      []string       `json:"users"`
		Groups     []string       `json:"groups"`
		Data       map[string]any `json:"data"`
	}{
		Name:       f.name,
		Percentage: f.percentage,
		Users:      f.Users(),
		Groups:     f.Groups(),
		Data:       f.data,
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, strings.Count(s, listSeparator)+1)
	for item := range strings.SplitSeq(s, listSeparator) {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func addAll(set map[string]struct{}, items []string) {
	for _, item := range items {
		set[item] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}

// decodeJSON decodes exactly one JSON value, keeping numbers as json.Number.
func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// normalizeValue returns v as it would read back from the store. Values with
// no JSON encoding are kept as given and fail at Serialize.
func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return cloneValue(v)
	}
	var out any
	if err := decodeJSON(string(raw), &out); err != nil {
		return cloneValue(v)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
