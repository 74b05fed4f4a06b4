package hpo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// LoadFiles reads an OBO file and, when genesPath is set, attaches the gene
// annotations from a phenotype_to_genes file.
func LoadFiles(oboPath, genesPath string) ([]Term, error) {
	f, err := os.Open(oboPath)
	if err != nil {
		return nil, fmt.Errorf("opening HPO file: %w", err)
	}
	defer f.Close()

	terms, err := LoadOBO(f)
	if err != nil {
		return nil, fmt.Errorf("parsing HPO file: %w", err)
	}
	if genesPath == "" {
		return terms, nil
	}

	g, err := os.Open(genesPath)
	if err != nil {
		return nil, fmt.Errorf("opening HPO gene annotations: %w", err)
	}
	defer g.Close()

	genes, err := LoadGeneAnnotations(g)
	if err != nil {
		return nil, fmt.Errorf("parsing HPO gene annotations: %w", err)
	}
	AttachGenes(terms, genes)
	return terms, nil
}

// LoadOBO reads [Term] stanzas from an OBO file. Obsolete terms are skipped.
func LoadOBO(r io.Reader) ([]Term, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		terms   []Term
		current *Term
		inTerm  bool
		skip    bool
		lineNo  int
	)

	flush := func() {
		if inTerm && current != nil && current.ID != "" && !skip {
			current.Number = Number(current.ID)
			terms = append(terms, *current)
		}
		current, inTerm, skip = nil, false, false
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			flush()
			if line == "[Term]" {
				inTerm = true
				current = &Term{}
			}
			continue
		}
		if !inTerm {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: malformed tag %q", lineNo, line)
		}
		value = stripComment(strings.TrimSpace(value))

		switch key {
		case "id":
			current.ID = value
		case "name":
			current.Name = value
		case "is_a":
			current.Parents = append(current.Parents, value)
		case "is_obsolete":
			skip = value == "true"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading obo: %w", err)
	}
	flush()

	return terms, nil
}

// stripComment drops a trailing "! comment" and any {qualifiers}
func stripComment(v string) string {
	if i := strings.Index(v, " !"); i >= 0 {
		v = v[:i]
	}
	if i := strings.Index(v, " {"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// LoadGeneAnnotations reads the tab separated phenotype_to_genes file
// (hpo_id, hpo_name, gene_id, gene_symbol, ...) into term id -> sorted genes.
// Lines starting with # and the header row are ignored.
func LoadGeneAnnotations(r io.Reader) (map[string][]string, error) {
	scanner := bufio.NewScanner(r)
	sets := make(map[string]map[string]struct{})
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "hpo_id") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 columns, got %d", lineNo, len(fields))
		}
		termID, symbol := strings.TrimSpace(fields[0]), strings.ToUpper(strings.TrimSpace(fields[3]))
		if termID == "" || symbol == "" {
			continue
		}
		if sets[termID] == nil {
			sets[termID] = make(map[string]struct{})
		}
		sets[termID][symbol] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading gene annotations: %w", err)
	}

	out := make(map[string][]string, len(sets))
	for id, set := range sets {
		genes := make([]string, 0, len(set))
		for g := range set {
			genes = append(genes, g)
		}
		sort.Strings(genes)
		out[id] = genes
	}
	return out, nil
}

// AttachGenes sets Genes on each term from an annotation map
func AttachGenes(terms []Term, genes map[string][]string) {
	for i := range terms {
		if g, ok := genes[terms[i].ID]; ok {
			terms[i].Genes = g
		}
	}
}
