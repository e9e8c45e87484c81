package audit

import (
	"fmt"
	"time"
)

// Check is one verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of VerifyChain.
type Report struct {
	RecordCount int     `json:"record_count"`
	Valid       bool    `json:"valid"`
	Checks      []Check `json:"checks"`
}

// VerifyChain recomputes every hash and link of an ordered chain. Timestamp
// regressions are warnings; everything else is a failure.
func VerifyChain(records []Record) Report {
	rep := Report{RecordCount: len(records), Valid: true}
	add := func(name string, ok bool, detail string) {
		status := "pass"
		if !ok {
			status = "fail"
			rep.Valid = false
		}
		rep.Checks = append(rep.Checks, Check{Name: name, Status: status, Detail: detail})
	}

	if len(records) == 0 {
		rep.Checks = append(rep.Checks, Check{Name: "empty_chain", Status: "pass", Detail: "no records to verify"})
		return rep
	}

	// 1. Genesis anchor.
	if records[0].Seq == 1 {
		add("genesis_anchor", records[0].PrevHash == GenesisHash,
			detailIf(records[0].PrevHash != GenesisHash, "first record prevHash=%s, expected genesis hash", records[0].PrevHash))
	} else {
		rep.Checks = append(rep.Checks, Check{Name: "genesis_anchor", Status: "warn",
			Detail: fmt.Sprintf("chain starts at seq %d (partial export)", records[0].Seq)})
	}

	// 2. Record hashes.
	hashOK, hashDetail := true, ""
	for i, r := range records {
		want, err := ComputeHash(r)
		if err != nil || want != r.Hash {
			hashOK = false
			hashDetail = fmt.Sprintf("record %d (seq=%d id=%s) hash does not match its content", i, r.Seq, r.ID)
			break
		}
	}
	add("record_hashes", hashOK, hashDetail)

	// 3. Chain continuity.
	linkOK, linkDetail := true, ""
	for i := 1; i < len(records); i++ {
		if records[i].PrevHash != records[i-1].Hash {
			linkOK = false
			linkDetail = fmt.Sprintf("record %d (seq=%d) has prevHash=%s but record %d hash is %s",
				i, records[i].Seq, records[i].PrevHash, i-1, records[i-1].Hash)
			break
		}
	}
	if linkOK {
		linkDetail = fmt.Sprintf("all %d records link correctly", len(records))
	}
	add("chain_continuity", linkOK, linkDetail)

	// 4. Contiguous sequence numbers.
	seqOK, seqDetail := true, ""
	for i := 1; i < len(records); i++ {
		if records[i].Seq != records[i-1].Seq+1 {
			seqOK = false
			seqDetail = fmt.Sprintf("gap between seq %d and %d", records[i-1].Seq, records[i].Seq)
			break
		}
	}
	add("contiguous_sequence", seqOK, seqDetail)

	// 5. No duplicate IDs.
	seen := make(map[string]int, len(records))
	dupOK, dupDetail := true, ""
	for i, r := range records {
		if prev, ok := seen[r.ID]; ok {
			dupOK = false
			dupDetail = fmt.Sprintf("record %d and record %d share id=%s", prev, i, r.ID)
			break
		}
		seen[r.ID] = i
	}
	add("no_duplicate_ids", dupOK, dupDetail)

	// 6. Monotonic timestamps. Clock skew between instances is legitimate,
	// so a regression only warns.
	tsStatus, tsDetail := "pass", ""
	var prev time.Time
	for i, r := range records {
		t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			tsStatus, tsDetail = "warn", fmt.Sprintf("record %d timestamp %q does not parse", i, r.Timestamp)
			break
		}
		if !prev.IsZero() && t.Before(prev) {
			tsStatus, tsDetail = "warn", fmt.Sprintf("record %d (timestamp=%s) is earlier than record %d", i, r.Timestamp, i-1)
			break
		}
		prev = t
	}
	rep.Checks = append(rep.Checks, Check{Name: "monotonic_timestamps", Status: tsStatus, Detail: tsDetail})

	return rep
}

func detailIf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}
