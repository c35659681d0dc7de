package credstore

import "time"

// ApplySyncChanges merges a server-provided snapshot into the local store.
// For each password/card, LastUsed is kept from whichever side is newer;
// everything else is replaced wholesale by the incoming record. This
// preserves locally-recorded usage even when the server's copy of a
// credential is stale relative to a very recent local scan.
func (s *Store) ApplySyncChanges(devices map[string]*Device, rfidCards map[string]*RFIDCard, passwords map[string]*Password) error {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	for id, incoming := range devices {
		s.devices.Devices[id] = incoming
	}

	for uid, incoming := range rfidCards {
		if local, ok := s.devices.RFIDCards[uid]; ok {
			if newerLastUsed(local.LastUsed, incoming.LastUsed) {
				incoming.LastUsed = local.LastUsed
			}
		}
		s.devices.RFIDCards[uid] = incoming
	}

	for id, incoming := range passwords {
		if local, ok := s.devices.Passwords[id]; ok {
			if newerLastUsed(local.LastUsed, incoming.LastUsed) {
				incoming.LastUsed = local.LastUsed
			}
		}
		s.devices.Passwords[id] = incoming
	}

	return s.saveDevicesLocked()
}

// newerLastUsed reports whether local is a strictly more recent timestamp
// than incoming, treating a nil timestamp as infinitely old.
func newerLastUsed(local, incoming *time.Time) bool {
	if local == nil {
		return false
	}
	if incoming == nil {
		return true
	}
	return local.After(*incoming)
}
