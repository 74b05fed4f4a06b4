package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/internal/matchstore"
	"github.com/mme-matchmaker/internal/middleware"
	"github.com/mme-matchmaker/pkg/federation"
)

const (
	defaultTermLimit = 20
	maxTermLimit     = 500
)

// handlePeerMatch answers an MME query from a federation peer with local results
func (s *Server) handlePeerMatch(c *gin.Context) {
	var req federation.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, domain.NewValidationError("body", "malformed match request: "+err.Error(), nil))
		return
	}

	results, err := s.deps.Matcher.Find(c.Request.Context(), req.Patient, nil)
	if err != nil {
		s.respondError(c, err)
		return
	}

	body, err := json.Marshal(federation.NewMatchResponse(results))
	if err != nil {
		s.respondError(c, fmt.Errorf("encoding match response: %w", err))
		return
	}

	s.log.WithFields(logrus.Fields{
		"correlation_id": c.GetString(middleware.CorrelationKey),
		"patient_id":     req.Patient.ID,
		"result_count":   len(results),
	}).Info("Answered peer match request")

	c.Data(http.StatusOK, federation.ContentType, body)
}

func (s *Server) handleSaveSubmission(c *gin.Context) {
	var sub domain.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		s.respondError(c, domain.NewValidationError("body", "malformed submission: "+err.Error(), nil))
		return
	}

	if err := s.deps.Submissions.SaveSubmission(c.Request.Context(), &sub); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleGetSubmission(c *gin.Context) {
	sub, err := s.deps.Submissions.GetSubmission(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// outcomeView is one patient's result of a triggered match
type outcomeView struct {
	PatientID     string               `json:"patient_id"`
	Internal      *domain.MatchRecord  `json:"internal,omitempty"`
	External      *domain.MatchRecord  `json:"external,omitempty"`
	NodeFailures  []domain.NodeFailure `json:"node_failures"`
	InternalError string               `json:"internal_error,omitempty"`
	ExternalError string               `json:"external_error,omitempty"`
}

func newOutcomeView(o *aggregator.Outcome) outcomeView {
	v := outcomeView{
		PatientID:    o.PatientID,
		Internal:     o.Internal,
		External:     o.External,
		NodeFailures: o.NodeFailures,
	}
	if v.NodeFailures == nil {
		v.NodeFailures = []domain.NodeFailure{}
	}
	if o.InternalErr != nil {
		v.InternalError = o.InternalErr.Error()
	}
	if o.ExternalErr != nil {
		v.ExternalError = o.ExternalErr.Error()
	}
	return v
}

// handleMatchSubmission runs a match cycle for every patient of a submission.
// A patient whose cycle failed entirely is reported inline as long as some
// other patient got records; otherwise the failure becomes the response.
func (s *Server) handleMatchSubmission(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := s.deps.Submissions.GetSubmission(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	outcomes, err := s.deps.Runner.RunSubmission(ctx, sub)
	if err != nil && (!errors.Is(err, domain.ErrAggregationFailure) || !anyPersisted(outcomes)) {
		s.respondError(c, err)
		return
	}

	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		views = append(views, newOutcomeView(o))
	}
	c.JSON(http.StatusOK, gin.H{
		"submission_id": sub.ID,
		"outcomes":      views,
	})
}

func anyPersisted(outcomes []*aggregator.Outcome) bool {
	for _, o := range outcomes {
		if len(o.Records()) > 0 {
			return true
		}
	}
	return false
}

// matchHistory is the grouped history the case view renders
type matchHistory struct {
	PatientID string               `json:"patient_id"`
	Internal  []domain.MatchRecord `json:"internal"`
	External  []domain.MatchRecord `json:"external"`
}

func (s *Server) handlePatientMatches(c *gin.Context) {
	id := c.Param("id")
	history, err := s.deps.Store.History(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	grouped := domain.GroupByType(history)
	c.JSON(http.StatusOK, matchHistory{
		PatientID: id,
		Internal:  grouped[domain.MatchTypeInternal],
		External:  grouped[domain.MatchTypeExternal],
	})
}

func (s *Server) handleExportMatches(c *gin.Context) {
	id := c.Param("id")
	var buf bytes.Buffer
	if err := matchstore.ExportJSON(c.Request.Context(), s.deps.Store, []string{id}, &buf); err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "matches-"+id+".json"))
	c.Data(http.StatusOK, "application/json", buf.Bytes())
}

func (s *Server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"local": s.deps.Registry.LocalNode(),
		"nodes": s.deps.Registry.ListActiveNodes(),
	})
}

func (s *Server) handleHPOTerms(c *gin.Context) {
	limit := defaultTermLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTermLimit {
			s.respondError(c, domain.NewValidationError("limit", fmt.Sprintf("limit must be between 1 and %d", maxTermLimit), raw))
			return
		}
		limit = n
	}

	terms := s.deps.Phenotypes.Search(strings.TrimSpace(c.Query("query")), limit)
	c.JSON(http.StatusOK, gin.H{"terms": terms})
}

func (s *Server) handleHPOGenes(c *gin.Context) {
	ids := c.QueryArray("term")
	if len(ids) == 0 {
		s.respondError(c, domain.NewValidationError("term", "at least one term is required", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"genes": s.deps.Phenotypes.GeneList(ids...)})
}

func (s *Server) handleHPOTree(c *gin.Context) {
	ids := c.QueryArray("term")
	if len(ids) == 0 {
		s.respondError(c, domain.NewValidationError("term", "at least one term is required", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree": s.deps.Phenotypes.PhenotypeTree(ids...)})
}
