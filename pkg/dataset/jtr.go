package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cnclabs/kbreader/pkg/reader"
)

// text decodes either a bare JSON string or an object with a "text" field
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*t = text(obj.Text)
	return nil
}

type jtrQuestion struct {
	Question text   `json:"question"`
	Answers  []text `json:"answers"`
}

type jtrInstance struct {
	Questions  []jtrQuestion `json:"questions"`
	Candidates []text        `json:"candidates"`
}

type jtrFile struct {
	Globals struct {
		Candidates []text `json:"candidates"`
	} `json:"globals"`
	Instances []jtrInstance `json:"instances"`
}

func texts(ts []text) []string {
	if ts == nil {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

// ReadJTR reads a jtr JSON dataset. Every question becomes one example;
// instance candidates take precedence over the global candidates.
func ReadJTR(r io.Reader) ([]reader.Example, error) {
	var f jtrFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode jtr json: %w", err)
	}

	globals := texts(f.Globals.Candidates)
	var out []reader.Example
	for i, inst := range f.Instances {
		cands := texts(inst.Candidates)
		if cands == nil {
			cands = globals
		}
		if len(inst.Questions) == 0 {
			return nil, fmt.Errorf("instance %d has no questions", i)
		}
		for _, q := range inst.Questions {
			ex := reader.Example{
				Setting: reader.QASetting{Question: string(q.Question), Candidates: cands},
			}
			for _, a := range q.Answers {
				ex.Answers = append(ex.Answers, reader.Answer{Text: string(a)})
			}
			out = append(out, ex)
		}
	}
	return out, nil
}

// LoadJTR reads a jtr JSON file, optionally gzip compressed
func LoadJTR(path string) ([]reader.Example, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	examples, err := ReadJTR(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}
