package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/lazypower/tiermem/internal/scoring"
)

// TFIDF generates TF-IDF bag-of-words embeddings as a fallback when no
// model server is reachable. The vocabulary is fixed at construction, so
// vectors stay comparable for the life of the process.
type TFIDF struct {
	vocab []string           // ordered vocabulary (top terms by doc frequency)
	idf   map[string]float64 // inverse document frequency per term
	dims  int
	model string
}

// NewTFIDF builds a TF-IDF embedder from a corpus of documents.
func NewTFIDF(docs []string, maxTerms int) *TFIDF {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	// Build document frequency
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range scoring.Tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	// Sort terms by document frequency (descending), then alphabetically so
	// the vocabulary is stable for a given corpus.
	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})

	dims := maxTerms
	if len(terms) < dims {
		dims = len(terms)
	}
	if dims == 0 {
		dims = 1 // minimum dimension to avoid zero-length vectors
	}

	vocab := make([]string, dims)
	idf := make(map[string]float64)
	numDocs := float64(len(docs))
	if numDocs == 0 {
		numDocs = 1
	}

	for i := 0; i < dims && i < len(terms); i++ {
		vocab[i] = terms[i].term
		// IDF = log(N / df) + 1 (smoothed)
		idf[vocab[i]] = math.Log(numDocs/float64(terms[i].freq)) + 1.0
	}

	// Vectors from different vocabularies are not comparable, so the
	// vocabulary is part of the model name.
	sum := sha256.Sum256([]byte(strings.Join(vocab, "\x00")))

	return &TFIDF{
		vocab: vocab,
		idf:   idf,
		dims:  dims,
		model: "tfidf:" + hex.EncodeToString(sum[:4]),
	}
}

func (t *TFIDF) Model() string   { return t.model }
func (t *TFIDF) Dimensions() int { return t.dims }

// Embed generates a normalized TF-IDF vector for the given text. Text with
// no vocabulary terms yields a zero vector.
func (t *TFIDF) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, t.dims)
	tokens := scoring.Tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	// Count term frequencies
	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		if tf[tok] > maxTF {
			maxTF = tf[tok]
		}
	}

	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// Augmented TF to prevent bias towards longer documents
		augTF := 0.5 + 0.5*float64(count)/float64(maxTF)
		idf := t.idf[term]
		if idf == 0 {
			idf = 1.0
		}
		vec[i] = float32(augTF * idf)
	}

	normalize(vec)
	return vec, nil
}
