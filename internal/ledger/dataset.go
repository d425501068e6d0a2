package ledger

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
)

// Record is one candidate or labeled observation. Values and Tags are opaque
// to the orchestrator: they carry features, outcomes and labels that only the
// agent, experiment and analyzer interpret.
type Record struct {
	ID     string
	Values map[string]float64
	Tags   map[string]string
}

// Clone deep-copies the record maps.
func (r Record) Clone() Record {
	out := Record{ID: r.ID}
	if r.Values != nil {
		out.Values = make(map[string]float64, len(r.Values))
		for k, v := range r.Values {
			out.Values[k] = v
		}
	}
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// Value returns a named value and whether it was present.
func (r Record) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Dataset is an ordered collection of records keyed by unique ID. The zero
// value is an empty dataset ready to use.
type Dataset struct {
	records []Record
	index   map[string]int
}

// NewDataset builds a dataset, rejecting empty or duplicate identifiers.
func NewDataset(records ...Record) (Dataset, error) {
	ds := Dataset{
		records: make([]Record, 0, len(records)),
		index:   make(map[string]int, len(records)),
	}
	for _, rec := range records {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return Dataset{}, fmt.Errorf("ledger: record id is required")
		}
		if _, dup := ds.index[id]; dup {
			return Dataset{}, fmt.Errorf("ledger: duplicate record id %q", id)
		}
		rec = rec.Clone()
		rec.ID = id
		ds.index[id] = len(ds.records)
		ds.records = append(ds.records, rec)
	}
	return ds, nil
}

// MustDataset is NewDataset for literals known to be valid.
func MustDataset(records ...Record) Dataset {
	ds, err := NewDataset(records...)
	if err != nil {
		panic(err)
	}
	return ds
}

// Len returns the number of records.
func (d Dataset) Len() int {
	return len(d.records)
}

// IsEmpty reports whether the dataset holds no records.
func (d Dataset) IsEmpty() bool {
	return len(d.records) == 0
}

// IDs returns identifiers in dataset order.
func (d Dataset) IDs() []string {
	if len(d.records) == 0 {
		return nil
	}
	ids := make([]string, len(d.records))
	for i, rec := range d.records {
		ids[i] = rec.ID
	}
	return ids
}

// Records returns deep copies of the records in dataset order.
func (d Dataset) Records() []Record {
	if len(d.records) == 0 {
		return nil
	}
	out := make([]Record, len(d.records))
	for i, rec := range d.records {
		out[i] = rec.Clone()
	}
	return out
}

// Get looks up a record by ID.
func (d Dataset) Get(id string) (Record, bool) {
	idx, ok := d.index[id]
	if !ok {
		return Record{}, false
	}
	return d.records[idx].Clone(), true
}

// Has reports whether id is present.
func (d Dataset) Has(id string) bool {
	_, ok := d.index[id]
	return ok
}

// Add appends records, replacing existing ones in place when the ID is
// already present. Insertion order of first appearance is kept.
func (d *Dataset) Add(records ...Record) error {
	if d.index == nil {
		d.index = make(map[string]int, len(records))
	}
	for _, rec := range records {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return fmt.Errorf("ledger: record id is required")
		}
		rec = rec.Clone()
		rec.ID = id
		if idx, ok := d.index[id]; ok {
			d.records[idx] = rec
			continue
		}
		d.index[id] = len(d.records)
		d.records = append(d.records, rec)
	}
	return nil
}

// Without returns a copy with the given IDs removed, preserving the relative
// order of the remaining records.
func (d Dataset) Without(ids []string) Dataset {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := Dataset{index: make(map[string]int, len(d.records))}
	for _, rec := range d.records {
		if _, skip := drop[rec.ID]; skip {
			continue
		}
		out.index[rec.ID] = len(out.records)
		out.records = append(out.records, rec.Clone())
	}
	return out
}

// Subset returns the records whose IDs are listed, in the order given.
// Unknown and repeated IDs are skipped.
func (d Dataset) Subset(ids []string) Dataset {
	out := Dataset{index: make(map[string]int, len(ids))}
	for _, id := range ids {
		idx, ok := d.index[id]
		if !ok {
			continue
		}
		if _, seen := out.index[id]; seen {
			continue
		}
		out.index[id] = len(out.records)
		out.records = append(out.records, d.records[idx].Clone())
	}
	return out
}

// Filter returns the records for which keep returns true, in order.
func (d Dataset) Filter(keep func(Record) bool) Dataset {
	out := Dataset{index: make(map[string]int)}
	for _, rec := range d.records {
		if !keep(rec) {
			continue
		}
		out.index[rec.ID] = len(out.records)
		out.records = append(out.records, rec.Clone())
	}
	return out
}

// Merge returns a copy of d with other's records added (other wins on ID clashes).
func (d Dataset) Merge(other Dataset) Dataset {
	out := d.Clone()
	// IDs in other are already validated.
	_ = out.Add(other.records...)
	return out
}

// Clone deep-copies the dataset.
func (d Dataset) Clone() Dataset {
	out := Dataset{
		records: make([]Record, len(d.records)),
		index:   make(map[string]int, len(d.records)),
	}
	for i, rec := range d.records {
		out.records[i] = rec.Clone()
		out.index[rec.ID] = i
	}
	return out
}

// Intersect returns the IDs of d that are also present in other, in d's order.
func (d Dataset) Intersect(other Dataset) []string {
	var shared []string
	for _, rec := range d.records {
		if other.Has(rec.ID) {
			shared = append(shared, rec.ID)
		}
	}
	return shared
}

// SortedIDs returns identifiers sorted lexically.
func (d Dataset) SortedIDs() []string {
	ids := d.IDs()
	sort.Strings(ids)
	return ids
}

// Equal reports whether both datasets hold the same records in the same order.
func (d Dataset) Equal(other Dataset) bool {
	if len(d.records) != len(other.records) {
		return false
	}
	for i := range d.records {
		if !recordsEqual(d.records[i], other.records[i]) {
			return false
		}
	}
	return true
}

func recordsEqual(a, b Record) bool {
	if a.ID != b.ID || len(a.Values) != len(b.Values) || len(a.Tags) != len(b.Tags) {
		return false
	}
	for k, v := range a.Values {
		if w, ok := b.Values[k]; !ok || w != v {
			return false
		}
	}
	for k, v := range a.Tags {
		if w, ok := b.Tags[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// GobEncode encodes the records in order; the index is rebuilt on decode.
func (d Dataset) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	records := d.records
	if records == nil {
		records = []Record{}
	}
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, fmt.Errorf("ledger: encode dataset: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode restores a dataset written by GobEncode.
func (d *Dataset) GobDecode(data []byte) error {
	var records []Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return fmt.Errorf("ledger: decode dataset: %w", err)
	}
	restored, err := NewDataset(records...)
	if err != nil {
		return err
	}
	*d = restored
	return nil
}
