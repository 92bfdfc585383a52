// Package dataset reads training and question files into reader examples
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/cnclabs/kbreader/pkg/reader"
)

// QuestionSeparator joins head and tail into the question token
const QuestionSeparator = "|"

// Triple is one knowledge base fact
type Triple struct {
	Head     string
	Relation string
	Tail     string
}

// Question returns the entity-pair question the triple answers
func (t Triple) Question() string {
	return PairQuestion(t.Head, t.Tail)
}

// PairQuestion builds the question token for an entity pair
func PairQuestion(head, tail string) string {
	return head + QuestionSeparator + tail
}

// open opens path, transparently decompressing .gz files
func open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return file, nil
	}
	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read gzip %s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, file}, nil
}

// ReadTriples reads "head relation tail" lines. Extra columns (such as a
// weight) are ignored, as are blank lines, lines starting with # and lines
// with fewer than three fields.
func ReadTriples(r io.Reader) ([]Triple, error) {
	var triples []Triple
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		triples = append(triples, Triple{Head: parts[0], Relation: parts[1], Tail: parts[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading triples: %w", err)
	}
	return triples, nil
}

// LoadTriples reads a triples file, optionally gzip compressed
func LoadTriples(path string) ([]Triple, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fmt.Println("Loading knowledge base from:", path)
	triples, err := ReadTriples(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("\t# of triples: %d\n", len(triples))
	fmt.Printf("\t# of relations: %d\n", len(Relations(triples)))
	return triples, nil
}

// Relations returns the distinct relations in first-seen order
func Relations(triples []Triple) []string {
	seen := make(map[string]struct{})
	var rels []string
	for _, t := range triples {
		if _, ok := seen[t.Relation]; ok {
			continue
		}
		seen[t.Relation] = struct{}{}
		rels = append(rels, t.Relation)
	}
	return rels
}

// Examples turns every triple into a question about its entity pair,
// answered by its relation. All examples share the candidate list; nil
// candidates means the triples' own relations.
func Examples(triples []Triple, candidates []string) []reader.Example {
	if candidates == nil {
		candidates = Relations(triples)
	}
	out := make([]reader.Example, len(triples))
	for i, t := range triples {
		out[i] = reader.Example{
			Setting: reader.QASetting{Question: t.Question(), Candidates: candidates},
			Answers: []reader.Answer{{Text: t.Relation}},
		}
	}
	return out
}

// ReadPairs reads "head tail" lines into question settings over the given
// candidates. Triple lines "head relation tail" are accepted too; their
// relation is ignored.
func ReadPairs(r io.Reader, candidates []string) ([]reader.QASetting, error) {
	var settings []reader.QASetting
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		switch {
		case len(parts) == 0:
			continue
		case len(parts) == 1:
			return nil, fmt.Errorf("line %d: expected \"head tail\", got %q", lineNo, line)
		case len(parts) >= 3:
			parts = []string{parts[0], parts[2]}
		}
		settings = append(settings, reader.QASetting{
			Question:   PairQuestion(parts[0], parts[1]),
			Candidates: candidates,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading pairs: %w", err)
	}
	return settings, nil
}

// LoadPairs reads a pairs file, optionally gzip compressed
func LoadPairs(path string, candidates []string) ([]reader.QASetting, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	settings, err := ReadPairs(f, candidates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}
