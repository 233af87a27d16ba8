package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
)

// GenesisHash is the PrevHash of the first entry of a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainHash is the SHA-256 of the entry's JSON encoding, PrevHash
// included. The next entry of the log carries it as PrevHash.
func ChainHash(e Entry) string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadLog decodes a JSON lines log. Blank lines are skipped.
func ReadLog(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit log line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return entries, nil
}

// CheckStatus is the outcome of one verification check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckWarn CheckStatus = "warn"
)

// Check is one named verification result.
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Verification is the result of verifying a log. Warnings leave it valid.
type Verification struct {
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

func (v *Verification) add(name string, status CheckStatus, detail string) {
	if status == CheckFail {
		v.Valid = false
	}
	v.Checks = append(v.Checks, Check{Name: name, Status: status, Detail: detail})
}

// Counts returns the number of failed and warning checks.
func (v *Verification) Counts() (failures, warnings int) {
	for _, c := range v.Checks {
		switch c.Status {
		case CheckFail:
			failures++
		case CheckWarn:
			warnings++
		}
	}
	return failures, warnings
}

var knownEvents = map[Event]bool{
	EventCACreated:          true,
	EventCertIssued:         true,
	EventCSRSigned:          true,
	EventCertRenewed:        true,
	EventCertRevoked:        true,
	EventCRLGenerated:       true,
	EventKeysDestroyed:      true,
	EventPrivateKeyAccessed: true,
}

// Verify checks the hash chain, identifier uniqueness, timestamp order
// and event vocabulary of a log. Out-of-order timestamps only warn since
// clocks may step.
func Verify(entries []Entry) Verification {
	v := Verification{EntryCount: len(entries), Valid: true}
	if len(entries) == 0 {
		v.add("empty_chain", CheckPass, "no entries to verify")
		return v
	}

	if entries[0].PrevHash == GenesisHash {
		v.add("genesis_anchor", CheckPass, "")
	} else {
		v.add("genesis_anchor", CheckFail, fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	chainDetail := ""
	for i := 1; i < len(entries); i++ {
		if want := ChainHash(entries[i-1]); entries[i].PrevHash != want {
			chainDetail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s (computed from entry %d)",
				i, entries[i].ID, entries[i].PrevHash, want, i-1)
			break
		}
	}
	if chainDetail == "" {
		v.add("chain_continuity", CheckPass, fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		v.add("chain_continuity", CheckFail, chainDetail)
	}

	seen := make(map[string]int, len(entries))
	dupDetail := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dupDetail = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dupDetail == "" {
		v.add("no_duplicate_ids", CheckPass, "")
	} else {
		v.add("no_duplicate_ids", CheckFail, dupDetail)
	}

	tsDetail := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Time.Before(entries[i-1].Time) {
			tsDetail = fmt.Sprintf("entry %d (time=%s) is earlier than entry %d", i, entries[i].Time.Format(time.RFC3339Nano), i-1)
			break
		}
	}
	if tsDetail == "" {
		v.add("monotonic_timestamps", CheckPass, "")
	} else {
		v.add("monotonic_timestamps", CheckWarn, tsDetail)
	}

	vocabDetail := ""
	for i, e := range entries {
		if !knownEvents[e.Event] {
			vocabDetail = fmt.Sprintf("entry %d has unknown event %q", i, e.Event)
			break
		}
		if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
			vocabDetail = fmt.Sprintf("entry %d has unknown outcome %q", i, e.Outcome)
			break
		}
	}
	if vocabDetail == "" {
		v.add("known_events", CheckPass, "")
	} else {
		v.add("known_events", CheckFail, vocabDetail)
	}
	return v
}
