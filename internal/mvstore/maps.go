package mvstore

import (
	"fmt"
	"strconv"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// OpenMap returns the named map, creating it if it does not yet exist. The
// metadata map itself is not reachable through this call; it is internal
// bookkeeping the coordinator owns directly.
func (s *Store) OpenMap(name string) (*page.MVMap, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mm := range s.maps {
		if mm.Name() == name {
			return mm, nil
		}
	}
	if s.cfg.ReadOnly {
		return nil, newErr(Argument, fmt.Sprintf("map %q does not exist and store is read-only", name), nil)
	}

	id := s.nextMapID
	s.nextMapID++
	mm := page.New(id, name, s.cfg.KeysPerPage)
	s.maps[id] = mm
	s.meta.put(mapConfigKeyOf(id), encodeMapConfig(mapConfig{ID: id, Name: name}))
	s.meta.put(mapRootKeyOf(id), strconv.FormatInt(int64(mm.RootPos()), 16))
	s.meta.put(mapNameKeyOf(name), strconv.Itoa(id))
	return mm, nil
}

// HasMap reports whether name currently names an open map.
func (s *Store) HasMap(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mm := range s.maps {
		if mm.Name() == name {
			return true
		}
	}
	return false
}

// HasData reports whether name exists and has at least one entry.
func (s *Store) HasData(name string) bool {
	s.mu.Lock()
	mm := s.findMapLocked(name)
	s.mu.Unlock()
	return mm != nil && mm.Count() > 0
}

func (s *Store) findMapLocked(name string) *page.MVMap {
	for _, mm := range s.maps {
		if mm.Name() == name {
			return mm
		}
	}
	return nil
}

// GetMapNames returns every currently open map's name.
func (s *Store) GetMapNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.maps))
	for _, mm := range s.maps {
		out = append(out, mm.Name())
	}
	return out
}

// GetMapName returns the name of the map with the given id, if open.
func (s *Store) GetMapName(id int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, ok := s.maps[id]
	if !ok {
		return "", false
	}
	return mm.Name(), true
}

// RemoveMap drops a map's metadata entries immediately. The reachability
// walk covers only open maps, so pages reached only through the removed map
// stop counting as references at once; a later RollbackTo does not bring
// the map back.
func (s *Store) RemoveMap(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return newErr(WritingFailed, "remove map: store is read-only", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int
	var found bool
	for mid, mm := range s.maps {
		if mm.Name() == name {
			id, found = mid, true
			break
		}
	}
	if !found {
		return newErr(Argument, fmt.Sprintf("remove map: %q not found", name), nil)
	}
	delete(s.maps, id)
	s.removedMaps[id] = s.currentVersion.Load()
	s.meta.remove(mapConfigKeyOf(id))
	s.meta.remove(mapRootKeyOf(id))
	s.meta.remove(mapNameKeyOf(name))
	return nil
}

// RenameMap renames an open map. The meta map itself may never be
// renamed — there is no name to target, since it is not addressable
// through OpenMap.
func (s *Store) RenameMap(oldName, newName string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return newErr(WritingFailed, "rename map: store is read-only", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findMapLocked(newName) != nil {
		return newErr(Argument, fmt.Sprintf("rename map: %q already exists", newName), nil)
	}
	mm := s.findMapLocked(oldName)
	if mm == nil {
		return newErr(Argument, fmt.Sprintf("rename map: %q not found", oldName), nil)
	}
	renamed := page.Open(mm.ID(), newName, s.cfg.KeysPerPage, mm.Root())
	s.maps[mm.ID()] = renamed
	s.meta.put(mapConfigKeyOf(mm.ID()), encodeMapConfig(mapConfig{ID: mm.ID(), Name: newName}))
	s.meta.remove(mapNameKeyOf(oldName))
	s.meta.put(mapNameKeyOf(newName), strconv.Itoa(mm.ID()))
	return nil
}
