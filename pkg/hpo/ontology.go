// Package hpo holds the Human Phenotype Ontology graph used to relate
// phenotype terms by ancestry, search terms, and derive gene lists and
// phenotype trees for a set of terms.
package hpo

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
)

// RootID is the HPO "All" term
const RootID = "HP:0000001"

// Term is one ontology entry
type Term struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Number  int      `json:"number"`
	Parents []string `json:"parents,omitempty"`
	Genes   []string `json:"genes,omitempty"`
}

// GeneCount is one entry of a gene list
type GeneCount struct {
	Gene  string `json:"gene"`
	Count int    `json:"count"`
}

// TreeNode is one node of a phenotype tree
type TreeNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Children []*TreeNode `json:"children,omitempty"`
}

// InheritanceTerms maps the HPO mode-of-inheritance terms onto models.
// Genes annotated to these terms get the corresponding expected inheritance.
var InheritanceTerms = map[string]domain.InheritanceModel{
	"HP:0000006": domain.InheritanceAD,
	"HP:0000007": domain.InheritanceAR,
	"HP:0001417": domain.InheritanceX,
	"HP:0001419": domain.InheritanceXR,
	"HP:0001423": domain.InheritanceXD,
	"HP:0001427": domain.InheritanceMT,
	"HP:0001450": domain.InheritanceY,
}

// Ontology is an immutable HPO graph. It is safe for concurrent use.
type Ontology struct {
	terms       map[string]*Term
	children    map[string][]string
	inheritance map[string][]domain.InheritanceModel // gene -> models
	ancestors   *lru.Cache[string, map[string]int]
	log         *logrus.Logger
}

// New builds an ontology from terms. Parents that are not part of the set are
// dropped with a warning. cacheSize bounds the memoized ancestor maps.
func New(terms []Term, cacheSize int, logger *logrus.Logger) (*Ontology, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, map[string]int](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating ancestor cache: %w", err)
	}

	o := &Ontology{
		terms:       make(map[string]*Term, len(terms)),
		children:    make(map[string][]string),
		inheritance: make(map[string][]domain.InheritanceModel),
		ancestors:   cache,
		log:         logger,
	}

	for i := range terms {
		t := terms[i]
		if t.ID == "" {
			return nil, fmt.Errorf("term %d has no id", i)
		}
		if _, dup := o.terms[t.ID]; dup {
			return nil, fmt.Errorf("duplicate term %s", t.ID)
		}
		if t.Number == 0 {
			t.Number = Number(t.ID)
		}
		o.terms[t.ID] = &t
	}

	for _, t := range o.terms {
		parents := t.Parents[:0:0]
		for _, p := range t.Parents {
			if _, ok := o.terms[p]; !ok {
				logger.WithFields(logrus.Fields{
					"term_id":   t.ID,
					"parent_id": p,
				}).Warn("Dropping unknown parent term")
				continue
			}
			parents = append(parents, p)
			o.children[p] = append(o.children[p], t.ID)
		}
		t.Parents = parents
	}
	for id := range o.children {
		sort.Strings(o.children[id])
	}

	inheritanceIDs := make([]string, 0, len(InheritanceTerms))
	for id := range InheritanceTerms {
		inheritanceIDs = append(inheritanceIDs, id)
	}
	sort.Strings(inheritanceIDs)
	for _, id := range inheritanceIDs {
		t, ok := o.terms[id]
		if !ok {
			continue
		}
		for _, g := range t.Genes {
			g = strings.ToUpper(g)
			o.inheritance[g] = append(o.inheritance[g], InheritanceTerms[id])
		}
	}

	return o, nil
}

// GeneInheritance returns the inheritance models the gene is annotated with,
// in HPO term order. Unknown genes return nil.
func (o *Ontology) GeneInheritance(gene string) []domain.InheritanceModel {
	models := o.inheritance[strings.ToUpper(strings.TrimSpace(gene))]
	if len(models) == 0 {
		return nil
	}
	return append([]domain.InheritanceModel(nil), models...)
}

// Number extracts the numeric part of an HPO id, or 0
func Number(id string) int {
	_, num, ok := strings.Cut(id, ":")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0
	}
	return n
}

// Len returns the number of terms
func (o *Ontology) Len() int {
	return len(o.terms)
}

// Term returns a copy of the term with the given id
func (o *Ontology) Term(id string) (Term, bool) {
	t, ok := o.terms[id]
	if !ok {
		return Term{}, false
	}
	return *t, true
}

// Terms returns every term ordered by HPO number
func (o *Ontology) Terms() []Term {
	out := make([]Term, 0, len(o.terms))
	for _, t := range o.terms {
		out = append(out, *t)
	}
	sortByNumber(out)
	return out
}

// Ancestors returns every ancestor of id, including id itself at distance 0,
// mapped to its shortest is_a distance. Unknown ids yield nil.
func (o *Ontology) Ancestors(id string) map[string]int {
	if _, ok := o.terms[id]; !ok {
		return nil
	}
	if cached, ok := o.ancestors.Get(id); ok {
		return cached
	}

	dist := map[string]int{id: 0}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range o.terms[cur].Parents {
			if _, seen := dist[p]; seen {
				continue
			}
			dist[p] = dist[cur] + 1
			queue = append(queue, p)
		}
	}

	o.ancestors.Add(id, dist)
	return dist
}

// Distance returns the number of is_a steps between a and b when one is an
// ancestor of the other, 0 when they are equal, and -1 when they are unrelated
// or unknown.
func (o *Ontology) Distance(a, b string) int {
	if a == b {
		return 0
	}
	if d, ok := o.Ancestors(a)[b]; ok {
		return d
	}
	if d, ok := o.Ancestors(b)[a]; ok {
		return d
	}
	return -1
}

// Expand returns ids together with their ancestors no more than maxDistance
// steps away, sorted and without duplicates. The root term is never added.
// Unknown ids are kept as they are.
func (o *Ontology) Expand(ids []string, maxDistance int) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
		for anc, d := range o.Ancestors(id) {
			if d <= maxDistance && anc != RootID {
				set[anc] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Search returns terms whose id or name contains query, case-insensitively,
// ordered by HPO number. A non-positive limit returns all matches.
func (o *Ontology) Search(query string, limit int) []Term {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Term
	for _, t := range o.terms {
		if q == "" || strings.Contains(strings.ToLower(t.ID), q) || strings.Contains(strings.ToLower(t.Name), q) {
			out = append(out, *t)
		}
	}
	sortByNumber(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GeneList counts how many of the given terms each gene is annotated to.
// The list is sorted by count descending then gene. Unknown terms are
// skipped with a warning.
func (o *Ontology) GeneList(ids ...string) []GeneCount {
	counts := make(map[string]int)
	for _, id := range ids {
		t, ok := o.terms[id]
		if !ok {
			o.log.WithField("term_id", id).Warn("Term could not be found")
			continue
		}
		for _, g := range t.Genes {
			counts[g]++
		}
	}

	out := make([]GeneCount, 0, len(counts))
	for g, c := range counts {
		out = append(out, GeneCount{Gene: g, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Gene < out[j].Gene
	})
	return out
}

// PhenotypeTree builds a forest of the given terms and all their descendants.
// Each term is placed under its nearest ancestor that is also part of the
// tree; terms without one become roots.
func (o *Ontology) PhenotypeTree(ids ...string) []*TreeNode {
	members := make(map[string]struct{})
	var collect func(id string)
	collect = func(id string) {
		if _, ok := o.terms[id]; !ok {
			return
		}
		if _, seen := members[id]; seen {
			return
		}
		members[id] = struct{}{}
		for _, c := range o.children[id] {
			collect(c)
		}
	}
	for _, id := range ids {
		collect(id)
	}

	nodes := make(map[string]*TreeNode, len(members))
	ordered := make([]string, 0, len(members))
	for id := range members {
		nodes[id] = &TreeNode{ID: id, Name: o.terms[id].Name}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return o.terms[ordered[i]].Number < o.terms[ordered[j]].Number
	})

	var roots []*TreeNode
	for _, id := range ordered {
		parent := o.nearestMember(id, members)
		if parent == "" {
			roots = append(roots, nodes[id])
			continue
		}
		nodes[parent].Children = append(nodes[parent].Children, nodes[id])
	}
	return roots
}

// nearestMember picks the closest proper ancestor in members, breaking ties by
// HPO number.
func (o *Ontology) nearestMember(id string, members map[string]struct{}) string {
	best, bestDist := "", -1
	for anc, d := range o.Ancestors(id) {
		if d == 0 {
			continue
		}
		if _, ok := members[anc]; !ok {
			continue
		}
		if bestDist == -1 || d < bestDist || (d == bestDist && o.terms[anc].Number < o.terms[best].Number) {
			best, bestDist = anc, d
		}
	}
	return best
}

func sortByNumber(terms []Term) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Number != terms[j].Number {
			return terms[i].Number < terms[j].Number
		}
		return terms[i].ID < terms[j].ID
	})
}
