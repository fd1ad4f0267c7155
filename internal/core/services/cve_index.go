package services

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
)

// CVEIndex is an in-memory dense-vector index over CVE summaries. Records are
// ingested from TSV exports (vectors + metadata) or loaded from the
// repository, and queried by cosine similarity against an embedded query.
type CVEIndex struct {
	logger   *slog.Logger
	embedder domain.Embedder
	repo     ports.Repository // optional; nil keeps the index memory-only

	mu      sync.RWMutex
	records []domain.CVERecord
}

func NewCVEIndex(logger *slog.Logger, embedder domain.Embedder, repo ports.Repository) *CVEIndex {
	return &CVEIndex{logger: logger, embedder: embedder, repo: repo}
}

// Load pulls previously ingested records from the repository.
func (x *CVEIndex) Load(ctx context.Context) error {
	if x.repo == nil {
		return nil
	}
	records, err := x.repo.ListCVERecords(ctx)
	if err != nil {
		return fmt.Errorf("load cve records: %w", err)
	}

	x.mu.Lock()
	x.records = records
	x.mu.Unlock()

	x.logger.Info("cve index loaded", "records", len(records))
	return nil
}

// Len reports the number of indexed records.
func (x *CVEIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// IngestTSV loads an embedding export: vectorsPath holds one tab-separated
// float vector per line, metadataPath holds the matching rows with a header
// line (id, summary, severity, cwe, vendor). Row counts must agree.
func (x *CVEIndex) IngestTSV(ctx context.Context, vectorsPath, metadataPath string) (int, error) {
	vectors, err := readVectorsTSV(vectorsPath)
	if err != nil {
		return 0, fmt.Errorf("read vectors: %w", err)
	}
	records, err := readMetadataTSV(metadataPath)
	if err != nil {
		return 0, fmt.Errorf("read metadata: %w", err)
	}
	if len(vectors) != len(records) {
		return 0, fmt.Errorf("vector/metadata row mismatch: %d vs %d", len(vectors), len(records))
	}

	for i := range records {
		records[i].Embedding = vectors[i]
	}

	if x.repo != nil {
		if err := x.repo.SaveCVERecords(ctx, records); err != nil {
			return 0, fmt.Errorf("persist cve records: %w", err)
		}
	}

	x.mu.Lock()
	x.records = append(x.records, records...)
	total := len(x.records)
	x.mu.Unlock()

	x.logger.Info("cve records ingested", "new", len(records), "total", total)
	return len(records), nil
}

// AddRecords indexes pre-built records directly. Used by tests and by callers
// that embed summaries themselves.
func (x *CVEIndex) AddRecords(records []domain.CVERecord) {
	x.mu.Lock()
	x.records = append(x.records, records...)
	x.mu.Unlock()
}

// Search embeds the query and returns the top-k records by cosine similarity,
// highest first. Records whose embedding dimension does not match the query
// are skipped.
func (x *CVEIndex) Search(ctx context.Context, query string, k int) ([]domain.CVEMatch, error) {
	if k <= 0 {
		k = 5
	}

	qv, err := x.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	x.mu.RLock()
	matches := make([]domain.CVEMatch, 0, len(x.records))
	for _, rec := range x.records {
		if len(rec.Embedding) != len(qv) {
			continue
		}
		matches = append(matches, domain.CVEMatch{Record: rec, Score: cosineSimilarity(qv, rec.Embedding)})
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func readVectorsTSV(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vectors [][]float32
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		vec := make([]float32, len(cols))
		for i, c := range cols {
			v, err := strconv.ParseFloat(c, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d col %d: %w", len(vectors)+1, i+1, err)
			}
			vec[i] = float32(v)
		}
		vectors = append(vectors, vec)
	}
	return vectors, scanner.Err()
}

func readMetadataTSV(path string) ([]domain.CVERecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []domain.CVERecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false // header row
			continue
		}
		cols := strings.Split(line, "\t")
		rec := domain.CVERecord{ID: col(cols, 0), Summary: col(cols, 1), Severity: col(cols, 2), CWE: col(cols, 3), Vendor: col(cols, 4)}
		if rec.ID == "" {
			return nil, fmt.Errorf("metadata row %d has no id", len(records)+2)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

func col(cols []string, i int) string {
	if i < len(cols) {
		return strings.TrimSpace(cols[i])
	}
	return ""
}
