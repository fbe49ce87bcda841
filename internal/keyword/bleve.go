package keyword

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

// SearchOptions tune bleve scoring. Zero values disable the corresponding boost.
type SearchOptions struct {
	// TitleBoost multiplies the score contribution from matches in the title field
	// (file name plus heading ancestry). Use 1.0 for no boost.
	TitleBoost float64
	// PhraseBoost multiplies the score when query terms appear as a phrase.
	PhraseBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits for typo tolerance.
	FuzzyEnabled bool
	Fuzziness    int
}

// bleveDoc is the stored shape of a chunk.
type bleveDoc struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
	opts  SearchOptions
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// No stemming: "bayes" must not match "bay".
	textFieldMapping.Analyzer = standard.Name
	textFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates
// an in-memory index. If the mapping changes, remove the index directory to
// force a full re-index.
func NewBleveIndex(path string, opts SearchOptions) (*BleveIndex, error) {
	im := newMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index, opts: opts}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index, opts: opts}, nil
	}
	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("create Bleve index: %w", err)
	}
	return &BleveIndex{index: index, opts: opts}, nil
}

func docID(id int64) string { return strconv.FormatInt(id, 10) }

// Index adds or replaces chunks in a single batch.
func (b *BleveIndex) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(docID(d.ChunkID), bleveDoc{Content: d.Content, Title: d.Title()}); err != nil {
			return fmt.Errorf("batch chunk %d: %w", d.ChunkID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch: %w", err)
	}
	return nil
}

// Search runs a match query and returns up to limit results.
// With boosts disabled a single match over title+content is used. Otherwise
// title and content are queried separately and merged with additive scoring,
// a term coverage penalty and a phrase boost.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 || len(Tokenize(query)) == 0 {
		return nil, nil
	}
	fuzziness := b.opts.Fuzziness
	if fuzziness <= 0 {
		fuzziness = 1
	}
	var scores map[string]float64
	var err error
	if b.opts.TitleBoost <= 1.0 && b.opts.PhraseBoost <= 1.0 {
		scores, err = b.searchSingle(query, limit, fuzziness)
	} else {
		scores, err = b.searchWithBoosts(query, limit, fuzziness)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(scores))
	for id, score := range scores {
		chunkID, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, Result{ChunkID: chunkID, Score: score})
	}
	sortResults(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BleveIndex) run(q blevequery.Query, size int) (map[string]float64, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search: %w", err)
	}
	hits := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		hits[hit.ID] = hit.Score
	}
	return hits, nil
}

func (b *BleveIndex) termQuery(text, field string, fuzziness int) blevequery.Query {
	if b.opts.FuzzyEnabled {
		return b.buildFuzzyQuery(text, fuzziness, field)
	}
	mq := bleve.NewMatchQuery(text)
	if field != "" {
		mq.SetField(field)
	}
	return mq
}

func (b *BleveIndex) searchSingle(query string, limit, fuzziness int) (map[string]float64, error) {
	return b.run(b.termQuery(query, "", fuzziness), limit)
}

func (b *BleveIndex) searchWithBoosts(query string, limit, fuzziness int) (map[string]float64, error) {
	// Over-fetch so the merged top limit is correct when a chunk appears in both lists.
	reqSize := max(limit*2, 50)
	terms := Tokenize(query)

	titleScores, err := b.run(b.termQuery(query, "title", fuzziness), reqSize)
	if err != nil {
		return nil, err
	}
	contentScores, err := b.run(b.termQuery(query, "content", fuzziness), reqSize)
	if err != nil {
		return nil, err
	}
	coverage := map[string]int{}
	if len(terms) > 1 {
		coverage = b.termCoverage(terms, reqSize, fuzziness)
	}
	phrases := map[string]bool{}
	if b.opts.PhraseBoost > 1.0 && len(terms) > 1 {
		phrases = b.phraseMatches(query, reqSize)
	}

	titleBoost := max(b.opts.TitleBoost, 1.0)
	scores := make(map[string]float64, len(titleScores)+len(contentScores))
	for id, s := range titleScores {
		scores[id] += s * titleBoost
	}
	for id, s := range contentScores {
		scores[id] += s
	}
	for id, base := range scores {
		// Squared coverage penalty: a chunk matching 1 of 2 terms keeps a quarter of its score.
		mult := 1.0
		if len(terms) > 1 {
			matched := max(coverage[id], 1)
			ratio := float64(matched) / float64(len(terms))
			mult = ratio * ratio
		}
		if phrases[id] {
			mult *= b.opts.PhraseBoost
		}
		scores[id] = base * mult
	}
	return scores, nil
}

// buildFuzzyQuery creates a disjunction of fuzzy queries, one per term.
// If field is empty, all fields are searched.
func (b *BleveIndex) buildFuzzyQuery(text string, fuzziness int, field string) blevequery.Query {
	terms := Tokenize(text)
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// termCoverage counts how many distinct query terms each chunk matches.
func (b *BleveIndex) termCoverage(terms []string, reqSize, fuzziness int) map[string]int {
	coverage := make(map[string]int)
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		hits, err := b.run(b.termQuery(term, "", fuzziness), reqSize)
		if err != nil {
			continue
		}
		for id := range hits {
			coverage[id]++
		}
	}
	return coverage
}

// phraseMatches finds chunks where the query appears as a phrase in either field.
func (b *BleveIndex) phraseMatches(query string, reqSize int) map[string]bool {
	matches := make(map[string]bool)
	for _, field := range []string{"content", "title"} {
		pq := bleve.NewMatchPhraseQuery(query)
		pq.SetField(field)
		hits, err := b.run(pq, reqSize)
		if err != nil {
			continue
		}
		for id := range hits {
			matches[id] = true
		}
	}
	return matches
}

// Delete removes chunks from the index.
func (b *BleveIndex) Delete(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(docID(id))
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve delete: %w", err)
	}
	return nil
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}
