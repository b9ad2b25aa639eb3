package core

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
)

// QuotaTable holds the per-chain contributor limits. Limits are
// configuration, not derived data; a chain absent from the table is
// unlimited.
type QuotaTable struct {
	limits map[string]int
}

// NewQuotaTable builds a table from explicit limits.
func NewQuotaTable(limits map[string]int) QuotaTable {
	if limits == nil {
		limits = map[string]int{}
	}
	return QuotaTable{limits: limits}
}

// LoadQuotas reads a JSON file mapping chain labels to node limits. The
// file is plain JSON so human operators can manipulate it.
func LoadQuotas(path string) (QuotaTable, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return QuotaTable{}, err
	}

	if len(buf) == 0 {
		return NewQuotaTable(nil), nil
	}

	var limits map[string]int
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&limits); err != nil {
		return QuotaTable{}, err
	}

	return NewQuotaTable(limits), nil
}

// Limit returns the node limit for a chain. The second return is false
// when the chain has no configured limit and admission is unlimited.
func (q QuotaTable) Limit(chain string) (int, bool) {
	limit, ok := q.limits[chain]
	return limit, ok
}

// Len returns the number of configured limits.
func (q QuotaTable) Len() int {
	return len(q.limits)
}
