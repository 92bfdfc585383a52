package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cnclabs/kbreader/pkg/embeddings"
)

func newEmbeddingsCmd() *cobra.Command {
	var (
		format string
		words  []string
	)
	cmd := &cobra.Command{
		Use:   "embeddings <path>",
		Short: "Load a pre-trained embeddings file and print its shape and lookups",
		Example: `  kbreader embeddings glove.6B.50d.zip --format glove --word paris --word france
  kbreader embeddings GoogleNews-vectors-negative300.bin.gz --format word2vec`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectEmbeddings(cmd.OutOrStdout(), args[0], format, words)
		},
	}
	cmd.Flags().StringVar(&format, "format", embeddings.FormatGloVe, "Format: word2vec, glove or fasttext")
	cmd.Flags().StringSliceVar(&words, "word", nil, "Words to look up")
	return cmd
}

func inspectEmbeddings(out io.Writer, path, format string, words []string) error {
	emb, err := embeddings.Load(path, format)
	if err != nil {
		return err
	}
	rows, dim := emb.Shape()
	fmt.Fprintln(out, "Embeddings:")
	fmt.Fprintf(out, "\tfile:\t\t%s\n", path)
	fmt.Fprintf(out, "\tformat:\t\t%s\n", strings.ToLower(format))
	fmt.Fprintf(out, "\tvectors:\t%d\n", rows)
	fmt.Fprintf(out, "\tdimension:\t%d\n", dim)

	for _, w := range words {
		vec, ok := emb.Get(w)
		if !ok {
			fmt.Fprintf(out, "%s\t<not found>\n", w)
			continue
		}
		parts := make([]string, len(vec))
		for i, x := range vec {
			parts[i] = fmt.Sprintf("%.6f", x)
		}
		fmt.Fprintf(out, "%s\t%s\n", w, strings.Join(parts, " "))
	}
	return nil
}
