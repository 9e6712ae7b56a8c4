package lexicon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dataset is a batch of records to seed a store with.
type Dataset struct {
	Frames  []Frame  `json:"frames" yaml:"frames"`
	Records []Record `json:"records" yaml:"records"`
}

// ImportResult reports how many rows an import wrote.
type ImportResult struct {
	Frames int `json:"frames"`
	Senses int `json:"senses"`
}

// ReadDataset decodes a dataset. Format is "yaml" or "jsonl"; an empty
// format sniffs the first non-blank byte ('{' means JSONL).
//
// JSONL input holds one Record per line. Lines with pos "frames" become
// frames (id is the frame id, frame_name its name).
func ReadDataset(r io.Reader, format string) (*Dataset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if format == "" {
		format = "yaml"
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = "jsonl"
		}
	}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		var ds Dataset
		if err := yaml.Unmarshal(data, &ds); err != nil {
			return nil, fmt.Errorf("decode yaml dataset: %w", err)
		}
		return &ds, nil
	case "jsonl", "ndjson":
		return readJSONL(data)
	}
	return nil, fmt.Errorf("unsupported dataset format %q", format)
}

func readJSONL(data []byte) (*Dataset, error) {
	ds := &Dataset{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.POS == Frames {
			id, err := strconv.ParseInt(rec.ID, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: frame id %q is not numeric", line, rec.ID)
			}
			ds.Frames = append(ds.Frames, Frame{
				ID:              id,
				Code:            rec.Code,
				Name:            rec.FrameName,
				Definition:      rec.Definition,
				ShortDefinition: rec.ShortDefinition,
				Flagged:         rec.Flagged,
				FlaggedReason:   rec.FlaggedReason,
			})
			continue
		}
		ds.Records = append(ds.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	return ds, nil
}

// Import writes a dataset, frames first so sense frame references resolve.
// Sense ids are normalized with NormalizeID.
func (s *Store) Import(ctx context.Context, ds *Dataset) (*ImportResult, error) {
	if ds == nil {
		return &ImportResult{}, nil
	}
	if err := s.UpsertFrames(ctx, ds.Frames); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ds.Records))
	for _, r := range ds.Records {
		pos, err := ParsePOS(string(r.POS))
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.POS = pos
		r.ID = NormalizeID(r.ID)
		records = append(records, r)
	}
	if err := s.UpsertSenses(ctx, records); err != nil {
		return nil, err
	}
	return &ImportResult{Frames: len(ds.Frames), Senses: len(records)}, nil
}

// NormalizeID lowercases a sense id and zero-pads the sense number of
// lemma.p.N ids to two digits: "Run.V.1" becomes "run.v.01".
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	i := strings.LastIndexByte(id, '.')
	if i < 0 || i == len(id)-1 {
		return id
	}
	num := id[i+1:]
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return id
	}
	head := id[:i]
	if strings.LastIndexByte(head, '.') < 0 {
		return id
	}
	return fmt.Sprintf("%s.%02d", head, n)
}
