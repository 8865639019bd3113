package web

import (
	"net/http"
	"strings"

	"github.com/harborins/policyimport/internal/logging"
	"github.com/harborins/policyimport/internal/storage"
)

// handleSearchPolicies returns the policies held by persons with the given
// first name, joined with carrier and line of business labels.
func (s *Server) handleSearchPolicies(w http.ResponseWriter, r *http.Request) {
	firstName := strings.TrimSpace(r.URL.Query().Get("firstname"))
	if firstName == "" {
		writeError(w, r, http.StatusBadRequest, "firstname query parameter is required")
		return
	}

	policies, err := s.store.SearchPoliciesByFirstName(r.Context(), firstName)
	if err != nil {
		logging.FromContext(r.Context()).Error("policy search failed", "firstname", firstName, "error", err)
		writeError(w, r, http.StatusInternalServerError, "policy search failed")
		return
	}
	if policies == nil {
		policies = []storage.PolicySummary{}
	}

	writeJSON(w, r, http.StatusOK, policies)
}

// handleAggregatePolicies returns the number of policies held by each
// person, most policies first.
func (s *Server) handleAggregatePolicies(w http.ResponseWriter, r *http.Request) {
	aggregates, err := s.store.AggregatePoliciesByPerson(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("policy aggregation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "policy aggregation failed")
		return
	}
	if aggregates == nil {
		aggregates = []storage.PolicyAggregate{}
	}

	writeJSON(w, r, http.StatusOK, aggregates)
}
