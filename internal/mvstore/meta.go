package mvstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// metaKeys renders the key shapes used for the metadata map: chunk.<hex id>,
// map.<hex id>, name.<map name>, root.<hex id>, setting.*.
func chunkMetaKeyOf(id int) string { return fmt.Sprintf("chunk.%x", id) }
func mapConfigKeyOf(id int) string { return fmt.Sprintf("map.%x", id) }
func mapNameKeyOf(name string) string { return "name." + name }
func mapRootKeyOf(id int) string { return fmt.Sprintf("root.%x", id) }
func settingKeyOf(name string) string { return "setting." + name }

// metaStore is the authoritative in-memory state of the metadata map: a
// plain Go map guarded by its own mutex. On every commit its full contents
// are rebuilt into a fresh page.MVMap tree and written out (see
// DESIGN.md's "meta map is always rewritten in full" simplification,
// which sidesteps the chunk-location bootstrap problem during recovery:
// the entire meta tree for the newest chunk lives entirely within that
// chunk, so recovery never needs to resolve an as-yet-unknown chunk id to
// read it).
type metaStore struct {
	mu sync.RWMutex
	kv map[string]string
}

func newMetaStore() *metaStore {
	return &metaStore{kv: map[string]string{}}
}

func (m *metaStore) put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
}

func (m *metaStore) get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	return v, ok
}

func (m *metaStore) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
}

func (m *metaStore) keysWithPrefix(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *metaStore) snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.kv))
	for k, v := range m.kv {
		out[k] = v
	}
	return out
}

func (m *metaStore) loadFrom(kv map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = kv
}

// buildTree renders the current metadata into a fresh, fully-populated
// page tree ready to be written by WriteUnsaved.
func (m *metaStore) buildTree(keysPerPage int) *page.MVMap {
	mm := page.New(metaMapID, "", keysPerPage)
	for k, v := range m.snapshot() {
		mm.Put(k, v)
	}
	return mm
}

// mapConfig is the serialized form of map.<id>.
type mapConfig struct {
	ID   int
	Name string
}

func encodeMapConfig(c mapConfig) string {
	return encodeASCIIMap(map[string]string{
		"id":   strconv.Itoa(c.ID),
		"name": c.Name,
	})
}

func decodeMapConfig(s string) (mapConfig, error) {
	fields, err := decodeASCIIMap(s)
	if err != nil {
		return mapConfig{}, err
	}
	id, err := strconv.Atoi(fields["id"])
	if err != nil {
		return mapConfig{}, fmt.Errorf("map config: bad id: %w", err)
	}
	return mapConfig{ID: id, Name: fields["name"]}, nil
}
