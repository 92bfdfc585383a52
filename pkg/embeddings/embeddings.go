// Package embeddings loads pre-trained word vectors and wraps them with a
// vocabulary for token lookups.
package embeddings

import (
	"bufio"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/kbreader/pkg/vocab"
)

// Embeddings wraps a vocabulary and an embedding matrix to do lookups.
// Row i of Matrix holds the vector of Vocab token i.
type Embeddings struct {
	Vocab  *vocab.Vocab
	Matrix *mat.Dense

	// unknown is set when row UnknownIndex holds a real vector
	unknown bool
}

// New creates an Embeddings from a vocabulary and a matching matrix.
// Every row of m, the unknown token's included, is a real vector.
func New(v *vocab.Vocab, m *mat.Dense) *Embeddings {
	return &Embeddings{Vocab: v, Matrix: m, unknown: true}
}

// Get returns a copy of the vector for word.
// Missing words, or a wrapper without vocabulary, report false rather
// than falling through to the whole matrix.
func (e *Embeddings) Get(word string) ([]float64, bool) {
	if e == nil || e.Vocab == nil || e.Matrix == nil {
		return nil, false
	}
	id, ok := e.Vocab.Lookup(word)
	if !ok || (id == vocab.UnknownIndex && !e.unknown) {
		return nil, false
	}
	rows, _ := e.Matrix.Dims()
	if id >= rows {
		return nil, false
	}
	return mat.Row(nil, id, e.Matrix), true
}

// Shape returns (rows, dim) of the embedding matrix
func (e *Embeddings) Shape() (int, int) {
	if e == nil || e.Matrix == nil {
		return 0, 0
	}
	return e.Matrix.Dims()
}

// Dim returns the vector dimension
func (e *Embeddings) Dim() int {
	_, dim := e.Shape()
	return dim
}

// Save writes vectors in the "<n> <dim>" text format, skipping the
// unknown token row.
func (e *Embeddings) Save(w io.Writer) error {
	rows, dim := e.Shape()
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "%d %d\n", rows-1, dim)
	for i := 0; i < rows; i++ {
		if i == vocab.UnknownIndex {
			continue
		}
		fmt.Fprintf(bw, "%s", e.Vocab.Token(i))
		for d := 0; d < dim; d++ {
			fmt.Fprintf(bw, " %.6f", e.Matrix.At(i, d))
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// build assembles an Embeddings from parsed rows. Row 0 stays the zero
// vector unless the file itself carries the unknown token.
func build(words []string, vectors [][]float64, dim int) *Embeddings {
	v := vocab.New()
	data := make([]float64, dim, (len(words)+1)*dim)
	kept := 1
	unknown := false
	for i, w := range words {
		if w == vocab.UnknownToken && !unknown {
			copy(data[:dim], vectors[i])
			unknown = true
			continue
		}
		if _, dup := v.Lookup(w); dup {
			continue
		}
		v.Get(w)
		data = append(data, vectors[i]...)
		kept++
	}
	if dim == 0 {
		return &Embeddings{Vocab: v}
	}
	return &Embeddings{Vocab: v, Matrix: mat.NewDense(kept, dim, data), unknown: unknown}
}
