package http

import (
	"net/http"
	"sync/atomic"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

// handleIndex renders the dashboard: this month's summary, the add form
// and the (optionally filtered) transaction list.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	data := pageData{
		Title: "Dashboard",
		Today: time.Now().UTC().Format(core.DateLayout),
	}

	data.Filter = ParseTransactionFilterInput(r.URL.Query())
	filter, err := data.Filter.Filter()
	if err != nil {
		_, data.Error = errorStatus(err)
		filter = core.TransactionFilter{}
	}

	summary, err := s.txs.CurrentMonthSummary(r.Context(), u.ID)
	if err != nil {
		s.pageError(w, r, "index.html", err, data)
		return
	}
	data.Summary = summary

	txs, err := s.txs.List(r.Context(), u.ID, filter)
	if err != nil {
		s.pageError(w, r, "index.html", err, data)
		return
	}
	data.Transactions = txs

	s.render(w, r, http.StatusOK, "index.html", data)
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	p, ok := s.parseBody(w, r, "", pageData{})
	if !ok {
		return
	}

	in, err := ParseAddTransactionInput(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	t, err := s.txs.Add(r.Context(), u.ID, in.service())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	atomic.AddInt64(&s.appMetrics.transactionsCreated, 1)
	s.structured.LogTransactionCreated(r.Context(), u.ID, t.ID, t.Date.String(), t.Amount.Cents, t.Category)

	NewJSONResponse().Status(http.StatusCreated).Transaction(t).Write(w)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())

	filter, err := ParseTransactionFilterInput(r.URL.Query()).Filter()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	txs, err := s.txs.List(r.Context(), u.ID, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	NewJSONResponse().Transactions(txs).Write(w)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())

	id, err := parseID(r.PathValue("id"))
	if err != nil {
		JSONError(http.StatusBadRequest, "Invalid transaction id").Write(w)
		return
	}

	logger := log.FromContext(r.Context()).WithComponent(log.ComponentTransaction)
	if err := s.txs.Delete(r.Context(), u.ID, id); err != nil {
		status, _ := errorStatus(err)
		if status == http.StatusForbidden {
			logger.WarnContext(r.Context(), "Delete of another user's transaction refused",
				log.FieldUserID, u.ID,
				log.FieldTransactionID, id)
		}
		s.fail(w, r, err)
		return
	}

	atomic.AddInt64(&s.appMetrics.transactionsDeleted, 1)
	logger.InfoContext(r.Context(), "Transaction deleted",
		log.FieldUserID, u.ID,
		log.FieldTransactionID, id,
		log.FieldOperation, log.OpDelete)
	NewJSONResponse().Write(w)
}

func (s *Server) handleMonthlySummary(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())

	summary, err := s.txs.CurrentMonthSummary(r.Context(), u.ID)
	if err != nil {
		// Every failure here is a server-side one.
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Monthly summary failed",
			log.FieldUserID, u.ID,
			log.FieldError, err)
		JSONError(http.StatusInternalServerError, genericErrorMessage).Write(w)
		return
	}
	NewJSONResponse().Summary(summary).Write(w)
}
