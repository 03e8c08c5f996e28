package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// GenesisHash seeds each tenant's chain before the first record exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditRecord is one link in a tenant's hash chain. Rows are append-only:
// nothing updates or deletes an audit record after insert, so ThisHash of
// record N feeds verification of record N+1.
type AuditRecord struct {
	Tenant   string         `json:"tenant"`
	Seq      int64          `json:"seq"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Target   EntityRef      `json:"target"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	At       time.Time      `json:"at"`
	PrevHash string         `json:"prev_hash"`
	ThisHash string         `json:"this_hash"`
}

// canonical serializes the hashed fields in a fixed order. Maps go through
// encoding/json, which sorts keys, so the byte stream is deterministic.
func (r AuditRecord) canonical() string {
	before, _ := json.Marshal(r.Before)
	after, _ := json.Marshal(r.After)
	return strings.Join([]string{
		r.Tenant,
		strconv.FormatInt(r.Seq, 10),
		r.Actor,
		r.Action,
		r.Target.Type,
		r.Target.ID,
		string(before),
		string(after),
		r.At.UTC().Format(time.RFC3339Nano),
	}, "\n")
}

// ComputeHash derives this record's hash from the previous record's hash
// (or GenesisHash) and the canonical serialization.
func (r AuditRecord) ComputeHash(prevHash string) string {
	sum := sha256.Sum256([]byte(prevHash + "\n" + r.canonical()))
	return hex.EncodeToString(sum[:])
}
