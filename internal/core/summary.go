package core

// MonthlySummary aggregates a user's transactions dated on or after the first
// day of a reference month.
type MonthlySummary struct {
	Since    Date
	Income   Money
	Expenses Money // magnitude of all negative amounts
	Balance  Money
}

// Summarize computes income, expenses and balance over txs. It does not
// filter by date; callers pass the already selected transactions.
func Summarize(since Date, txs []Transaction) MonthlySummary {
	s := MonthlySummary{Since: since}
	for _, t := range txs {
		switch {
		case t.Amount.IsIncome():
			s.Income.Cents += t.Amount.Cents
		case t.Amount.IsExpense():
			s.Expenses.Cents += -t.Amount.Cents
		}
	}
	s.Balance.Cents = s.Income.Cents - s.Expenses.Cents
	return s
}
