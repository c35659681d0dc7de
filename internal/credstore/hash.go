package credstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// snapshot is the subset of the credential store that is content-hashed to
// produce the database version: passwords, rfid_cards and devices, exactly
// what the server hashes on its side (§4.4). Settings are not part of the
// version.
type snapshot struct {
	Devices   map[string]*Device   `json:"devices"`
	RFIDCards map[string]*RFIDCard `json:"rfid_cards"`
	Passwords map[string]*Password `json:"passwords"`
}

// DatabaseVersion computes the 16-hex-char content hash of the current
// snapshot. encoding/json already serializes map keys in sorted order and
// struct fields in declaration order, so json.Marshal on this shape is
// already a canonical serialization — no separate canonicalizing encoder is
// needed.
func DatabaseVersion(devices map[string]*Device, rfidCards map[string]*RFIDCard, passwords map[string]*Password) (string, error) {
	s := snapshot{Devices: devices, RFIDCards: rfidCards, Passwords: passwords}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
